package version

// Version is overridden at build time:
// go build -ldflags "-X github.com/readlogapp/readlog/pkg/version.Version=1.0.0".
var Version = "dev"

// UserAgent identifies readlog to the servers it pulls from.
func UserAgent() string {
	return "readlog/" + Version
}
