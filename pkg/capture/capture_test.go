/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: capture_test.go
Description: Tests for the memory acquisition stage against simulated device storage.
*/

package capture

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kleascm/heapkey/pkg/mobile"
	"github.com/kleascm/heapkey/pkg/mobile/mobiletest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mapsText = `12c00000-12e00000 rw-p 00000000 00:00 0          [anon:dalvik-main space]
70000000-70400000 r--p 00000000 fd:00 1234       /system/framework/boot.art
garbage line
7f0000000-7f0001000 ---p 00000000 00:00 0
`

func newDevice(storage *mobiletest.Storage) *mobiletest.Channel {
	return &mobiletest.Channel{
		OnExecute: func(cmd string) (mobile.Result, error) {
			if res, ok := storage.Exec(cmd); ok {
				return res, nil
			}
			if strings.HasPrefix(cmd, "head -5 /proc/") {
				return mobile.Result{Stdout: mapsText}, nil
			}
			return mobile.Result{ExitCode: 127}, nil
		},
	}
}

func newTestAcquirer(ch mobile.Channel, policy Policy) *Acquirer {
	a := NewAcquirer(ch, policy, nil)
	a.newName = func() string { return "heapkey-test.bin" }
	return a
}

var flyPolicy = Policy{{SkipMiB: 300, CountMiB: 800}, {SkipMiB: 100, CountMiB: 200}}

func TestAcquireFirstWindow(t *testing.T) {
	storage := mobiletest.NewStorage()
	ch := newDevice(storage)

	c, err := newTestAcquirer(ch, flyPolicy).Acquire(context.Background(), 4321)
	require.NoError(t, err)
	assert.Equal(t, "/data/local/tmp/heapkey-test.bin", c.Artifact)
	assert.Equal(t, flyPolicy[0], c.Window)
	assert.Equal(t, int64(BlockSize), c.Size)
	assert.Contains(t, ch.Commands[0], "dd if=/proc/4321/mem bs=1048576 skip=300 count=800 of=/data/local/tmp/heapkey-test.bin")
	assert.Len(t, storage.Files, 1)

	require.NoError(t, c.Remove(context.Background()))
	assert.True(t, storage.Empty())
	n := len(ch.Commands)
	require.NoError(t, c.Remove(context.Background()))
	assert.Len(t, ch.Commands, n, "second Remove must not touch the device")
}

func TestAcquireFallsBackToNextWindow(t *testing.T) {
	storage := mobiletest.NewStorage()
	storage.CopySize = func(cmd string) int64 {
		if strings.Contains(cmd, "count=800") {
			return 4096
		}
		return 2 << 20
	}
	ch := newDevice(storage)

	c, err := newTestAcquirer(ch, flyPolicy).Acquire(context.Background(), 4321)
	require.NoError(t, err)
	assert.Equal(t, flyPolicy[1], c.Window)
	assert.Equal(t, int64(2<<20), c.Size)
	assert.True(t, ch.Ran("rm -f /data/local/tmp/heapkey-test.bin"), "partial copy must be discarded")
	assert.Len(t, storage.Files, 1)
}

func TestAcquireAllWindowsFail(t *testing.T) {
	storage := mobiletest.NewStorage()
	storage.CopySize = func(string) int64 { return 0 }
	ch := newDevice(storage)

	c, err := newTestAcquirer(ch, flyPolicy).Acquire(context.Background(), 4321)
	assert.Nil(t, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureFailed)

	var failure *Error
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, []Window(flyPolicy), failure.Tried)
	require.Len(t, failure.Segments, 3)
	assert.Equal(t, "[anon:dalvik-main space]", failure.Segments[0].Path)
	assert.True(t, storage.Empty())
}

func TestFailedAcquireLogsMappings(t *testing.T) {
	storage := mobiletest.NewStorage()
	storage.CopySize = func(string) int64 { return 0 }
	log, hook := logtest.NewNullLogger()
	a := NewAcquirer(newDevice(storage), flyPolicy[:1], log)

	_, err := a.Acquire(context.Background(), 4321)
	require.ErrorIs(t, err, ErrCaptureFailed)

	var mappings []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Process mapping" {
			mappings = append(mappings, e)
		}
	}
	require.Len(t, mappings, 3)
	assert.Equal(t, uint64(0x200000), mappings[0].Data["bytes"])
	assert.Equal(t, true, mappings[0].Data["readable"])
	assert.Equal(t, false, mappings[2].Data["readable"])
}

func TestAcquireChannelErrorAfterCopy(t *testing.T) {
	storage := mobiletest.NewStorage()
	ch := &mobiletest.Channel{
		OnExecute: func(cmd string) (mobile.Result, error) {
			res, _ := storage.Exec(cmd)
			if strings.HasPrefix(cmd, "dd ") {
				return res, errors.New("adb: device offline")
			}
			return res, nil
		},
	}

	_, err := newTestAcquirer(ch, flyPolicy).Acquire(context.Background(), 4321)
	assert.ErrorIs(t, err, ErrCaptureFailed)
	assert.True(t, storage.Empty())
}

func TestAcquireCancelled(t *testing.T) {
	storage := mobiletest.NewStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestAcquirer(newDevice(storage), flyPolicy).Acquire(ctx, 4321)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, storage.Empty())
}

func TestAcquireRejectsBadInput(t *testing.T) {
	ch := newDevice(mobiletest.NewStorage())
	_, err := newTestAcquirer(ch, nil).Acquire(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoWindows)

	_, err = newTestAcquirer(ch, flyPolicy).Acquire(context.Background(), 0)
	assert.Error(t, err)
}

func TestArtifactNamesAreUnique(t *testing.T) {
	a := NewAcquirer(nil, flyPolicy, nil)
	first, second := a.ArtifactPath(), a.ArtifactPath()
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "/data/local/tmp/heapkey-"))
	assert.True(t, strings.HasSuffix(first, ".bin"))
}

func TestParseMaps(t *testing.T) {
	segs := ParseMaps(mapsText)
	require.Len(t, segs, 3)
	assert.Equal(t, uint64(0x12c00000), segs[0].Start)
	assert.Equal(t, uint64(0x200000), segs[0].Size())
	assert.True(t, segs[1].Readable())
	assert.Equal(t, uint64(1234), segs[1].Inode)
	assert.False(t, segs[2].Readable())
	assert.Empty(t, segs[2].Path)
}
