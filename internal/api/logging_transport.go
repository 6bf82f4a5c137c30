package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a JSON body ends up in api.log.
const maxLoggedBody = 64 << 10

// LoggingTransport wraps an http.RoundTripper and dumps every exchange to a
// dedicated log file. JSON bodies are logged; file bodies are not touched.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	logger    *log.Logger
	mu        sync.Mutex
}

// NewLoggingTransport opens logFilePath for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	logger := log.New()
	logger.SetOutput(f)
	logger.SetLevel(log.DebugLevel)
	logger.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableQuote:     true,
		QuoteEmptyFields: true,
	})
	return &LoggingTransport{Transport: transport, logFile: f, logger: logger}, nil
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	// Range downloads have no body worth dumping.
	if dump, err := httputil.DumpRequestOut(req, false); err == nil {
		t.write(log.Fields{"method": req.Method, "url": req.URL.String()}, "--- Request ---\n"+string(dump))
	} else {
		log.WithError(err).Debug("Failed to dump API request for logging")
	}

	resp, err := t.Transport.RoundTrip(req)
	fields := log.Fields{"url": req.URL.String(), "duration": time.Since(start).String()}
	if err != nil {
		t.write(fields, "--- Response Error ---\n"+err.Error())
		return resp, err
	}

	fields["status"] = resp.StatusCode
	head, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		head = []byte("Status: " + resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") && !strings.HasPrefix(contentType, "text/css") {
		t.write(fields, "--- Response Headers ---\n"+string(head)+"(Body not logged)")
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if readErr != nil {
		t.write(fields, "--- Response Headers ---\n"+string(head)+"(Body read failed: "+readErr.Error()+")")
		return resp, readErr
	}
	logged := bodyBytes
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
	}
	t.write(fields, fmt.Sprintf("--- Response Headers ---\n%s--- Response Body (%d bytes) ---\n%s", head, len(bodyBytes), logged))
	return resp, nil
}

func (t *LoggingTransport) write(fields log.Fields, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.WithFields(fields).Debug(msg)
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logFile.Close()
}
