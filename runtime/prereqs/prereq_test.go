package prereqs

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func logsContain(hook *logTest.Hook, want string) bool {
	for _, entry := range hook.AllEntries() {
		msg, err := entry.String()
		if err != nil {
			continue
		}
		if strings.Contains(msg, want) {
			return true
		}
	}
	return false
}

func TestMeetsMinPlatformReqs(t *testing.T) {
	// Linux
	runtimeOS = "linux"
	runtimeArch = "amd64"
	meetsReqs, err := meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)
	runtimeArch = "arm64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)
	// mips64 is not supported
	runtimeArch = "mips64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.False(t, meetsReqs)

	// Mac OS X, mocking the shell through the execShellOutput package variable.
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "", errors.New("error while running command")
	}
	runtimeOS = "darwin"
	runtimeArch = "amd64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.ErrorContains(t, err, "error obtaining MacOS version")
	require.False(t, meetsReqs)

	// Insufficient version
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "10.4", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.False(t, meetsReqs)

	// Just-sufficient older version
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "10.14", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)

	// Sufficient newer version
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "10.15.7", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)

	// Handling abnormal response
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "tiger.lion", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.ErrorContains(t, err, "error parsing version")
	require.False(t, meetsReqs)

	// Windows
	runtimeOS = "windows"
	runtimeArch = "amd64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)
	runtimeArch = "arm64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.False(t, meetsReqs)
}

func TestParseVersion(t *testing.T) {
	version, err := parseVersion("1.2.3", 3, ".")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, version)

	version, err = parseVersion("6 .7 . 8  ", 3, ".")
	require.NoError(t, err)
	require.Equal(t, []int{6, 7, 8}, version)

	version, err = parseVersion("10,3,5,6", 4, ",")
	require.NoError(t, err)
	require.Equal(t, []int{10, 3, 5, 6}, version)

	version, err = parseVersion("4;6;8;10;11", 3, ";")
	require.NoError(t, err)
	require.Equal(t, []int{4, 6, 8}, version)

	_, err = parseVersion("10.11", 3, ".")
	require.ErrorContains(t, err, "insufficient information about version")
}

func TestWarnIfNotSupported(t *testing.T) {
	runtimeOS = "linux"
	runtimeArch = "amd64"
	hook := logTest.NewGlobal()
	WarnIfPlatformNotSupported(context.Background())
	require.False(t, logsContain(hook, "Failed to detect host platform"))
	require.False(t, logsContain(hook, "platform is not supported"))

	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "tiger.lion", nil
	}
	runtimeOS = "darwin"
	runtimeArch = "amd64"
	hook = logTest.NewGlobal()
	WarnIfPlatformNotSupported(context.Background())
	require.True(t, logsContain(hook, "Failed to detect host platform"))

	runtimeOS = "falseOs"
	runtimeArch = "falseArch"
	hook = logTest.NewGlobal()
	WarnIfPlatformNotSupported(context.Background())
	require.True(t, logsContain(hook, "platform is not supported"))
}
