// Package buildinfo describes the running Boson process: its version,
// host, and a per-process session id, the way the "boson id" CLI command
// and bosonnode's startup log line identify which build and run produced
// them.
// Adapted from the teacher's common/version.go.
package buildinfo

import (
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
)

// Version is set by the linker at build time (-ldflags "-X
// .../buildinfo.Version=..."); "dev" is the fallback for local builds.
var Version = "dev"

// appID salts machineid.ProtectedID so Boson's derived machine id can't be
// correlated with other applications using the same underlying hardware id.
const appID = "boson-network/boson"

// Identity describes the build, host, and session a process is running
// as — the payload behind the "boson id" command and the line bosonnode
// logs once at startup.
type Identity struct {
	Version   string    `json:"version"`
	Hostname  string    `json:"host"`
	Username  string    `json:"user"`
	MachineID string    `json:"machineid"`
	Goos      string    `json:"goos"`
	Goarch    string    `json:"goarch"`
	Goversion string    `json:"goversion"`
	Pid       int       `json:"pid"`
	SessionID string    `json:"session"`
	StartTime time.Time `json:"start"`
}

func (s *Identity) String() string {
	return fmt.Sprintf("version=%s go=%s goos=%s goarch=%s session=%s host=%s user=%s machine=%s pid=%d",
		s.Version, s.Goversion, s.Goos, s.Goarch, s.SessionID, s.Hostname, s.Username, s.MachineID, s.Pid)
}

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randSessionID(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = sessionIDAlphabet[rng.Intn(len(sessionIDAlphabet))]
	}
	return string(b)
}

var current *Identity

func init() {
	rng := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	sessionID := randSessionID(rng, 8)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	userName := "unknown"
	if u, err := user.Current(); err == nil {
		userName = strings.Replace(u.Username, `\`, "_", -1)
	}

	mid, err := machineid.ProtectedID(appID)
	if err != nil {
		mid = hostname + "." + userName
	}
	if len(mid) > 12 {
		mid = mid[:12]
	}

	current = &Identity{
		Version:   Version,
		Hostname:  hostname,
		Username:  userName,
		MachineID: mid,
		Goos:      runtime.GOOS,
		Goarch:    runtime.GOARCH,
		Goversion: runtime.Version(),
		Pid:       os.Getpid(),
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

// Current returns this process's Identity. The returned pointer is shared;
// callers must not mutate it.
func Current() *Identity { return current }
