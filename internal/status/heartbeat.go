package status

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteHeartbeat replaces the heartbeat file with the current UTC time in
// RFC 3339 form. The file is swapped in by rename so readers never see a
// partial timestamp.
func (r *Reporter) WriteHeartbeat() error {
	path := r.cfg.HeartbeatFile
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	stamp := r.now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := os.WriteFile(tmp, []byte(stamp), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadHeartbeat parses a heartbeat file.
func ReadHeartbeat(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
}
