// Package dispatch sends queued hits to the collector.
//
// Network performs real HTTP delivery. Noop is installed when dispatch
// is administratively disabled: it logs what would have been sent and
// reports every hit as handled, so the durable queue drains.
package dispatch

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

const (
	// MaxHitsPerDispatch caps one batch.
	MaxHitsPerDispatch = 40

	// MaxGetLength is the longest path+query sent as a GET; longer hits
	// are POSTed.
	MaxGetLength = 2036

	// MaxPostLength is the largest payload ever sent. Larger hits are
	// discarded and counted as handled.
	MaxPostLength = 8192
)

// Transport names used in metrics and logs.
const (
	TransportNetwork = "network"
	TransportNoop    = "noop"
)

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Connected() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

// Connected calls f.
func (f ConnectivityFunc) Connected() bool { return f() }

// StaticConnectivity is a fixed Connectivity answer.
type StaticConnectivity bool

// Connected returns the fixed answer.
func (s StaticConnectivity) Connected() bool { return bool(s) }

// UserAgent describes the client in the User-Agent header.
type UserAgent struct {
	Product   string
	Version   string
	OS        string
	OSRelease string
	Language  string
	Model     string
	BuildID   string
}

// String renders Product/Version (Platform; U; OS release; lang; model Build/id).
func (u UserAgent) String() string {
	return fmt.Sprintf("%s/%s (%s; U; %s %s; %s; %s Build/%s)",
		u.Product, u.Version, platformName(u.OS), u.OS, u.OSRelease, u.Language, u.Model, u.BuildID)
}

// DefaultUserAgent fills the platform fields from the running process.
func DefaultUserAgent(product, version string) UserAgent {
	host, _ := os.Hostname()
	return UserAgent{
		Product:   product,
		Version:   version,
		OS:        runtime.GOOS,
		OSRelease: runtime.Version(),
		Language:  languageFromEnv(),
		Model:     runtime.GOARCH,
		BuildID:   host,
	}
}

func platformName(goos string) string {
	switch goos {
	case "linux", "android":
		return "Linux"
	case "darwin", "ios":
		return "Darwin"
	case "windows":
		return "Windows"
	default:
		return goos
	}
}

// languageFromEnv turns LANG-style locales (en_US.UTF-8) into en-us.
func languageFromEnv() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		v, _, _ = strings.Cut(v, ".")
		v, _, _ = strings.Cut(v, "@")
		return strings.ToLower(strings.ReplaceAll(v, "_", "-"))
	}
	return "en-us"
}
