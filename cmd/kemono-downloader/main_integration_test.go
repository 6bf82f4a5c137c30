package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Setup ---

var (
	binaryName  = "kemono-downloader"
	binaryPath  string
	projectRoot string
)

// TestMain builds the binary once for every test in the package.
func TestMain(m *testing.M) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Println("Could not get caller information")
		os.Exit(1)
	}
	projectRoot = filepath.Join(filepath.Dir(filename), "..", "..")

	buildDir, err := os.MkdirTemp("", "kemono-it-")
	if err != nil {
		fmt.Printf("Failed to create build dir: %v\n", err)
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath = filepath.Join(buildDir, binaryName)
	fmt.Println("Building binary for integration tests...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = filepath.Join(projectRoot, "cmd", "kemono-downloader")
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		fmt.Printf("Failed to build binary: %v\nOutput:\n%s\n", err, string(buildOutput))
		os.Exit(1)
	}

	exitCode := m.Run()
	os.RemoveAll(buildDir)
	os.Exit(exitCode)
}

// --- Helper Functions ---

// runCommand executes the downloader binary with given arguments in dir.
func runCommand(t *testing.T, dir string, env []string, args ...string) (string, string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		t.Logf("Command failed with error: %v\nStderr:\n%s", err, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// createTempConfig writes a TOML config into a fresh directory.
func createTempConfig(t *testing.T, content string) (string, string) {
	t.Helper()
	tempDir := t.TempDir()
	tempFile := filepath.Join(tempDir, "temp_config.toml")
	require.NoError(t, os.WriteFile(tempFile, []byte(content), 0644), "Failed to write temporary config file")
	return tempDir, tempFile
}

type shownConfig struct {
	Config    map[string]interface{} `json:"config"`
	Effective map[string]interface{} `json:"effective"`
	Target    map[string]interface{} `json:"target"`
}

func showConfig(t *testing.T, env []string, content string, args ...string) shownConfig {
	t.Helper()
	dir, cfgPath := createTempConfig(t, content)
	args = append([]string{"--config", cfgPath, "download", "--show-config"}, args...)
	stdout, _, err := runCommand(t, dir, env, args...)
	require.NoError(t, err, "Command execution failed")

	var parsed shownConfig
	require.NoError(t, json.Unmarshal([]byte(stdout), &parsed), "stdout is not JSON:\n%s", stdout)
	return parsed
}

// --- Test Cases ---

func TestHelpListsCommands(t *testing.T) {
	stdout, _, err := runCommand(t, t.TempDir(), nil, "--help")
	require.NoError(t, err)
	for _, name := range []string{"download", "retry", "clean", "history", "search", "torrent", "known", "favorites"} {
		assert.Contains(t, stdout, name)
	}
}

func TestDownloadShowConfig_Defaults(t *testing.T) {
	parsed := showConfig(t, nil, "")

	assert.Equal(t, "all", parsed.Config["FileFilter"])
	assert.Equal(t, true, parsed.Config["SeparateFolders"])
	assert.Equal(t, float64(4), parsed.Effective["PostWorkers"])
	assert.Equal(t, float64(1), parsed.Effective["FileThreads"])
	assert.Nil(t, parsed.Target)
}

func TestDownloadShowConfig_ConfigLoad(t *testing.T) {
	parsed := showConfig(t, nil, `
URL = "https://kemono.su/patreon/user/123"
PostWorkers = 8
FileThreads = 25
MangaMode = true
MangaStyle = "date_based"
`)

	assert.Equal(t, float64(8), parsed.Config["PostWorkers"])
	assert.Equal(t, float64(1), parsed.Effective["PostWorkers"], "global numbering serialises post workers")
	assert.Equal(t, float64(1), parsed.Effective["FileThreads"])
	assert.Equal(t, true, parsed.Effective["Serialized"])
	assert.Equal(t, "patreon", parsed.Target["Service"])
}

func TestDownloadShowConfig_FlagOverride(t *testing.T) {
	parsed := showConfig(t, nil, `
PostWorkers = 8
FileFilter = "video"
`, "https://coomer.su/onlyfans/user/abc", "--post-workers", "12", "--file-filter", "image")

	assert.Equal(t, float64(12), parsed.Effective["PostWorkers"])
	assert.Equal(t, "image", parsed.Config["FileFilter"])
	assert.Equal(t, "coomer.su", parsed.Target["Host"])
}

func TestDownloadShowConfig_EnvOverride(t *testing.T) {
	parsed := showConfig(t, []string{"KEMONO_DOWNLOAD_FILE_THREADS=3"}, "FileThreads = 2\n")

	assert.Equal(t, float64(3), parsed.Effective["FileThreads"])
}

func TestDownload_InvalidURLIsSetupFailure(t *testing.T) {
	dir, cfgPath := createTempConfig(t, fmt.Sprintf("SavePath = %q\n", t.TempDir()))
	_, stderr, err := runCommand(t, dir, nil, "--config", cfgPath, "download", "https://example.com/nothing")
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode())
	assert.Contains(t, stderr, "invalid download URL")
}

func TestRetryRequiresSession(t *testing.T) {
	_, stderr, err := runCommand(t, t.TempDir(), nil, "retry")
	require.Error(t, err)
	assert.Contains(t, stderr, "session")
}

func TestKnownAddAndList(t *testing.T) {
	save := t.TempDir()
	dir, cfgPath := createTempConfig(t, fmt.Sprintf("SavePath = %q\n", save))

	_, _, err := runCommand(t, dir, nil, "--config", cfgPath, "known", "add", "Tifa, (Cloud, Zack)~")
	require.NoError(t, err)

	stdout, _, err := runCommand(t, dir, nil, "--config", cfgPath, "known", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Tifa")
	assert.Contains(t, stdout, "(Cloud, Zack)~")
	assert.FileExists(t, filepath.Join(save, "Known.txt"))
}

func TestCleanRemovesPartFiles(t *testing.T) {
	save := t.TempDir()
	part := filepath.Join(save, "video.mp4.part")
	require.NoError(t, os.WriteFile(part, []byte("x"), 0644))
	dir, cfgPath := createTempConfig(t, fmt.Sprintf("SavePath = %q\n", save))

	_, _, err := runCommand(t, dir, nil, "--config", cfgPath, "clean")
	require.NoError(t, err)
	assert.NoFileExists(t, part)
}
