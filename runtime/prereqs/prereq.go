// Package prereqs runs host platform checks at startup and warns when the
// validator is launched on a platform the release binaries are not built for.
package prereqs

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type platform struct {
	os           string
	arch         string
	majorVersion int
	minorVersion int
}

// Swapped out in tests to avoid shelling out.
var (
	execShellOutput = execShellOutputFunc
	runtimeOS       = runtime.GOOS
	runtimeArch     = runtime.GOARCH
)

func execShellOutputFunc(ctx context.Context, command string, args ...string) (string, error) {
	result, err := exec.CommandContext(ctx, command, args...).Output() // #nosec G204
	if err != nil {
		return "", errors.Wrap(err, "error in command execution")
	}
	return string(result), nil
}

func supportedPlatforms() []platform {
	return []platform{
		{os: "linux", arch: "amd64"},
		{os: "linux", arch: "arm64"},
		{os: "darwin", arch: "amd64", majorVersion: 10, minorVersion: 14},
		{os: "darwin", arch: "arm64"},
		{os: "windows", arch: "amd64"},
	}
}

// parseVersion splits input on sep and parses the first num components as
// integers.
func parseVersion(input string, num int, sep string) ([]int, error) {
	components := strings.Split(input, sep)
	for i, component := range components {
		components[i] = strings.TrimSpace(component)
	}
	if len(components) < num {
		return nil, errors.New("insufficient information about version")
	}
	version := make([]int, num)
	for i := range version {
		var err error
		version[i], err = strconv.Atoi(components[i])
		if err != nil {
			return nil, errors.Wrap(err, "error during conversion")
		}
	}
	return version, nil
}

// meetsMinPlatformReqs reports whether the runtime matches a supported
// platform. On Intel macOS the Darwin kernel version is checked against the
// minimum cutoff.
func meetsMinPlatformReqs(ctx context.Context) (bool, error) {
	for _, p := range supportedPlatforms() {
		if runtimeOS != p.os || runtimeArch != p.arch {
			continue
		}
		if runtimeOS == "darwin" && p.majorVersion > 0 {
			versionStr, err := execShellOutput(ctx, "uname", "-r")
			if err != nil {
				return false, errors.Wrap(err, "error obtaining MacOS version")
			}
			version, err := parseVersion(versionStr, 2, ".")
			if err != nil {
				return false, errors.Wrap(err, "error parsing version")
			}
			if version[0] != p.majorVersion {
				return version[0] > p.majorVersion, nil
			}
			return version[1] >= p.minorVersion, nil
		}
		return true, nil
	}
	return false, nil
}

// WarnIfPlatformNotSupported logs a warning when the host platform is
// unsupported or cannot be detected. It never blocks startup.
func WarnIfPlatformNotSupported(ctx context.Context) {
	supported, err := meetsMinPlatformReqs(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to detect host platform")
		return
	}
	if !supported {
		log.Warn("This platform is not supported. Supported platforms: Linux/AMD64, Linux/ARM64," +
			" macOS/AMD64 (10.14+), macOS/ARM64, and Windows/AMD64")
	}
}
