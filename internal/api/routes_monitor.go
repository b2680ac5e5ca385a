package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultEntryCount = 100
	maxEntryCount     = 1000
)

func countParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("count", strconv.Itoa(defaultEntryCount)))
	if err != nil || n < 1 {
		return defaultEntryCount
	}
	if n > maxEntryCount {
		return maxEntryCount
	}
	return n
}

// handleGetLogEntries returns the tail of the current log file.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	logDir := s.cfg.GetApplicationData().Logging.Directory
	entries, err := readRecentLogEntries(logDir, countParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetTransitions returns journaled session transitions, newest first.
func (s *Server) handleGetTransitions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	transitions, err := s.journal.RecentTransitions(c.Request.Context(), countParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

// handleGetSeenServers returns every LAN server the journal remembers.
func (s *Server) handleGetSeenServers(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}

	servers, err := s.journal.SeenServers(c.Request.Context(), countParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"count":   len(servers),
	})
}

type logEntry struct {
	Timestamp string                 `json:"timestamp,omitempty"`
	Level     string                 `json:"level,omitempty"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Keys lifted out of Fields.
var knownLogKeys = map[string]bool{
	"level": true, "time": true, "message": true,
	"caller": true, "app": true, "component": true,
}

// readRecentLogEntries parses the last count JSON lines of the newest log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []logEntry{}, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return []logEntry{}, nil
	}
	// Date-stamped names: the last one is today's.
	sort.Strings(names)

	f, err := os.Open(filepath.Join(logDir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, count)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(ring) == count {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	result := make([]logEntry, 0, len(ring))
	for _, line := range ring {
		result = append(result, parseLogLine(line))
	}
	return result, nil
}

func parseLogLine(line string) logEntry {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return logEntry{Message: line}
	}

	entry := logEntry{
		Level:     stringFromMap(raw, "level"),
		Message:   stringFromMap(raw, "message"),
		Component: stringFromMap(raw, "component"),
		Timestamp: stringFromMap(raw, "time"),
	}

	extra := make(map[string]interface{})
	for k, v := range raw {
		if !knownLogKeys[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		entry.Fields = extra
	}
	return entry
}

func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
