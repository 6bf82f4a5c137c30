package helpers

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// FileHashes are the digests kept for a downloaded file.
type FileHashes struct {
	MD5    string
	BLAKE3 string
}

// HashFile streams the file at path through MD5 and BLAKE3 in one pass.
func HashFile(path string) (FileHashes, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileHashes{}, err
	}
	defer f.Close()

	md5Hasher := md5.New()
	blake3Hasher := blake3.New(32, nil)
	if _, err := io.Copy(io.MultiWriter(md5Hasher, blake3Hasher), f); err != nil {
		return FileHashes{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return FileHashes{
		MD5:    hex.EncodeToString(md5Hasher.Sum(nil)),
		BLAKE3: strings.ToUpper(hex.EncodeToString(blake3Hasher.Sum(nil))),
	}, nil
}

// BLAKE3Hex returns the upper-case BLAKE3-256 digest of data.
func BLAKE3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CheckHash verifies a file against the expected hashes. Empty expected
// values are not checked; it returns true if any provided hash matches.
func CheckHash(filepath string, expected FileHashes) bool {
	if expected.MD5 == "" && expected.BLAKE3 == "" {
		return false
	}
	got, err := HashFile(filepath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error reading file %s for hash check", filepath)
		}
		return false
	}
	if expected.BLAKE3 != "" && strings.EqualFold(strings.TrimSpace(expected.BLAKE3), got.BLAKE3) {
		log.WithField("hash", "BLAKE3").Debugf("Hash match for %s", filepath)
		return true
	}
	if expected.MD5 != "" && strings.EqualFold(strings.TrimSpace(expected.MD5), got.MD5) {
		log.WithField("hash", "MD5").Debugf("Hash match for %s", filepath)
		return true
	}
	return false
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// SpeedString formats a byte rate for progress lines.
func SpeedString(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return BytesToSize(uint64(bps)) + "/s"
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Uses standard directory permissions (0755).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
