package redirect

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	valid map[int]bool
}

func (p fakeProber) ProbeFd(fd int) error {
	if p.valid[fd] {
		return nil
	}
	return &FdError{Fd: fd, Err: ErrBadFileDescriptor}
}

type recordingObserver struct {
	fds       []int
	redirects []*Redirect
}

func (o *recordingObserver) ObserveRedirect(fd int, r *Redirect) {
	o.fds = append(o.fds, fd)
	o.redirects = append(o.redirects, r)
}

func testFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "input.txt", []byte("hello\n"), 0644))
	require.NoError(t, fs.MkdirAll("somedir", 0755))
	return fs
}

func TestResolveDuplicateSharesRedirect(t *testing.T) {
	fs := testFs(t)

	table, err := Resolve([]Redirect{
		File(WriteTo, 1, "out.txt"),
		Dup(2, 1),
	}, fakeProber{}, fs, nil)
	require.NoError(t, err)

	out, ok := table.Slot(1)
	require.True(t, ok)
	errSlot, ok := table.Slot(2)
	require.True(t, ok)

	assert.Equal(t, Pending, out.State)
	assert.Equal(t, Pending, errSlot.State)
	assert.Same(t, out.Redirect, errSlot.Redirect, "duplicate must ride on the source redirect")
	assert.Equal(t, "out.txt", errSlot.Redirect.Path)
}

func TestResolveDuplicateOfInherited(t *testing.T) {
	fs := testFs(t)

	table, err := Resolve([]Redirect{Dup(2, 1)}, fakeProber{}, fs, nil)
	require.NoError(t, err)

	slot, ok := table.Slot(2)
	require.True(t, ok)
	assert.Equal(t, Inherited, slot.State)
	assert.Equal(t, 1, slot.From)
}

func TestResolveCloseThenDuplicate(t *testing.T) {
	fs := testFs(t)

	_, err := Resolve([]Redirect{
		Close(5),
		Dup(3, 5),
	}, fakeProber{valid: map[int]bool{5: true}}, fs, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadFileDescriptor))

	var fdErr *FdError
	require.True(t, errors.As(err, &fdErr))
	assert.Equal(t, 5, fdErr.Fd)
}

func TestResolveDoubleClose(t *testing.T) {
	fs := testFs(t)

	_, err := Resolve([]Redirect{Close(4), Close(4)}, fakeProber{valid: map[int]bool{4: true}}, fs, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadFileDescriptor))
}

func TestResolveCloseProbesUntracked(t *testing.T) {
	fs := testFs(t)

	// Closing a descriptor the table never saw needs the fd to exist.
	_, err := Resolve([]Redirect{Close(9)}, fakeProber{}, fs, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadFileDescriptor))

	// The standard slots are implicitly open.
	table, err := Resolve([]Redirect{Close(2)}, fakeProber{}, fs, nil)
	require.NoError(t, err)
	slot, ok := table.Slot(2)
	require.True(t, ok)
	assert.Equal(t, Closed, slot.State)
}

func TestResolvePipesClaimSlotsFirst(t *testing.T) {
	fs := testFs(t)

	// The duplicate appears before the pipe endpoint in the request list but
	// must still resolve against the pipe's claim on slot 1.
	table, err := Resolve([]Redirect{
		Dup(2, 1),
		Pipe(PipeOut, 13),
	}, fakeProber{}, fs, nil)
	require.NoError(t, err)

	out, _ := table.Slot(1)
	errSlot, _ := table.Slot(2)
	require.Equal(t, Pending, out.State)
	require.Equal(t, Pending, errSlot.State)
	assert.Same(t, out.Redirect, errSlot.Redirect)
	assert.Equal(t, PipeOut, errSlot.Redirect.Kind)
	assert.Equal(t, 13, errSlot.Redirect.Fd)
}

func TestResolveTargetErrors(t *testing.T) {
	cases := []struct {
		name    string
		request Redirect
		wantErr error
	}{
		{
			name:    "read missing file",
			request: File(ReadFrom, 0, "nope.txt"),
			wantErr: ErrNotFound,
		},
		{
			name:    "write to directory",
			request: File(WriteTo, 1, "somedir"),
			wantErr: ErrIsDirectory,
		},
		{
			name:    "append to directory",
			request: File(AppendTo, 1, "somedir"),
			wantErr: ErrIsDirectory,
		},
		{
			name:    "readwrite to directory",
			request: File(ReadWrite, 3, "somedir"),
			wantErr: ErrIsDirectory,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := testFs(t)
			_, err := Resolve([]Redirect{tc.request}, fakeProber{}, fs, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
		})
	}
}

func TestResolveWriteCreatesLater(t *testing.T) {
	fs := testFs(t)

	// Writing to a file that does not exist yet is fine, it is created at
	// commit time.
	table, err := Resolve([]Redirect{File(WriteTo, 1, "new.txt")}, fakeProber{}, fs, nil)
	require.NoError(t, err)
	slot, _ := table.Slot(1)
	assert.Equal(t, Pending, slot.State)
}

func TestResolveProbesUntrackedDescriptors(t *testing.T) {
	fs := testFs(t)

	t.Run("invalid", func(t *testing.T) {
		_, err := Resolve([]Redirect{Dup(4, 9)}, fakeProber{}, fs, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadFileDescriptor))
	})

	t.Run("valid", func(t *testing.T) {
		table, err := Resolve([]Redirect{Dup(4, 9)}, fakeProber{valid: map[int]bool{9: true}}, fs, nil)
		require.NoError(t, err)
		slot, ok := table.Slot(4)
		require.True(t, ok)
		assert.Equal(t, Inherited, slot.State)
		assert.Equal(t, 9, slot.From)
	})
}

func TestResolveReportsOutputSlots(t *testing.T) {
	fs := testFs(t)
	obs := &recordingObserver{}

	_, err := Resolve([]Redirect{
		File(WriteTo, 1, "out.txt"),
		Dup(2, 1),
		File(ReadFrom, 0, "input.txt"),
	}, fakeProber{}, fs, obs)
	require.NoError(t, err)

	// Only slots 1 and 2 are reported, and the duplicate reports the shared
	// resolved redirect.
	require.Equal(t, []int{1, 2}, obs.fds)
	assert.Same(t, obs.redirects[0], obs.redirects[1])
	assert.Equal(t, WriteTo, obs.redirects[1].Kind)
}

func TestResolveErrorLeavesNothingBehind(t *testing.T) {
	fs := testFs(t)

	table, err := Resolve([]Redirect{
		File(WriteTo, 1, "out.txt"),
		File(ReadFrom, 0, "missing.txt"),
	}, fakeProber{}, fs, nil)
	assert.Error(t, err)
	assert.Nil(t, table)
	// The target was never created.
	exists, _ := afero.Exists(fs, "out.txt")
	assert.False(t, exists)
}

func TestTableDefaults(t *testing.T) {
	fs := testFs(t)
	table, err := Resolve(nil, fakeProber{}, fs, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, table.MaxFd())
	for fd := 0; fd <= 2; fd++ {
		slot, ok := table.Slot(fd)
		require.True(t, ok)
		assert.Equal(t, Inherited, slot.State)
		assert.Equal(t, fd, slot.From)
	}
	_, ok := table.Slot(3)
	assert.False(t, ok)
}

func TestRedirectSlot(t *testing.T) {
	assert.Equal(t, 0, Pipe(PipeIn, 12).Slot())
	assert.Equal(t, 1, Pipe(PipeOut, 12).Slot())
	assert.Equal(t, 7, File(WriteTo, 7, "x").Slot())
	assert.Equal(t, 3, Dup(3, 1).Slot())
}
