package config

import (
	"os"
	"sync"
)

var inDocker = sync.OnceValue(func() bool {
	// Docker creates /.dockerenv in every container it starts.
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// IsRunningInDocker reports whether the process runs inside a Docker
// container. The check is done once and cached.
func IsRunningInDocker() bool {
	return inDocker()
}

// loopbackHosts are addresses that point at the container itself rather
// than the machine a source actually runs on.
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal when
// running inside Docker, so connection strings written for the host machine
// keep working in a container. Any other host passes through unchanged.
func ResolveHostForDocker(host string) string {
	if loopbackHosts[host] && IsRunningInDocker() {
		return "host.docker.internal"
	}
	return host
}
