package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultModelDirForLinuxWithXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("linux", "/home/dev", "/tmp/xdg-data")
	require.NoError(t, err)
	require.Equal(t, "/tmp/xdg-data/voxscribe/models", dir)
}

func TestDefaultModelDirForLinuxWithoutXDG(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("linux", "/home/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.local/share/voxscribe/models", dir)
}

func TestDefaultModelDirForMacOS(t *testing.T) {
	t.Parallel()

	dir, err := DefaultModelDirFor("darwin", "/Users/dev", "")
	require.NoError(t, err)
	require.Equal(t, "/Users/dev/Library/Application Support/voxscribe/models", dir)
}

func TestDefaultModelDirForUnsupportedOS(t *testing.T) {
	t.Parallel()

	_, err := DefaultModelDirFor("windows", "/Users/dev", "")
	require.Error(t, err)
}

func TestDefaultConfigPathFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goos, home, xdg, want string
	}{
		{goos: "linux", home: "/home/dev", xdg: "/tmp/cfg", want: "/tmp/cfg/voxscribe/config.yaml"},
		{goos: "linux", home: "/home/dev", want: "/home/dev/.config/voxscribe/config.yaml"},
		{goos: "darwin", home: "/Users/dev", want: "/Users/dev/Library/Application Support/voxscribe/config.yaml"},
	}
	for _, tc := range tests {
		got, err := DefaultConfigPathFor(tc.goos, tc.home, tc.xdg)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := DefaultConfigPathFor("linux", "", "")
	require.Error(t, err)
}

func TestONNXRuntimeLibraryName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "libonnxruntime.so", ONNXRuntimeLibraryName("linux"))
	require.Equal(t, "libonnxruntime.dylib", ONNXRuntimeLibraryName("darwin"))
	require.Equal(t, "amd64", NormalizeArch("x86_64"))
	require.Equal(t, "linux/arm64", Runtime{OS: "linux", Arch: NormalizeArch("aarch64")}.String())
}
