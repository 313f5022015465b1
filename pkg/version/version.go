// Package version holds build-time version info injected via ldflags.
//
//	go build -ldflags "-X github.com/NicolasHaas/gorelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/gorelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gorelay/pkg/version.date=2026-01-01"
package version

var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, else the commit, else "dev".
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}

// Full adds commit and build date to String when they are known.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}

// Banner is the one-line identification printed by both binaries at startup.
func Banner(binary string) string {
	return "gorelay-" + binary + " " + Full()
}
