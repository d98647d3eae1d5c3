// Package version carries the recorder's build identity.
//
// Set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/updown-recorder/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/updown-recorder/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/updown-recorder/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	    ./cmd/recorder
package version

// Name identifies the program to feeds and the database.
const Name = "updown-recorder"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // UTC, RFC 3339
)

// String returns the line printed by -version.
func String() string {
	return Name + " " + Version + " (" + Commit + ") built " + BuildTime
}

// Agent returns "<name>/<version>", used as the HTTP User-Agent and the
// postgres application_name.
func Agent() string {
	return Name + "/" + Version
}
