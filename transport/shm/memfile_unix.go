//go:build linux || darwin

package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fxsml/gocal/transport/internal/frame"
)

// memfile is a mapped publisher buffer.
type memfile struct {
	path string
	f    *os.File
	mem  []byte
}

func createMemfile(path string, capacity uint64) (*memfile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create memfile: %w", err)
	}
	if err := unix.Ftruncate(int(f.Fd()), int64(headerSize+capacity)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: resize memfile: %w", err)
	}
	m := &memfile{path: path, f: f}
	if err := m.mmap(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	initHeader(m.mem, capacity)
	return m, nil
}

func openMemfile(path string) (*memfile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open memfile: %w", err)
	}
	m := &memfile{path: path, f: f}
	if err := m.mmap(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := readHeader(m.mem); err != nil {
		m.close(false)
		return nil, err
	}
	return m, nil
}

func (m *memfile) fd() int {
	return int(m.f.Fd())
}

func (m *memfile) mmap() error {
	var st unix.Stat_t
	if err := unix.Fstat(m.fd(), &st); err != nil {
		return fmt.Errorf("shm: stat memfile: %w", err)
	}
	if st.Size < headerSize {
		return fmt.Errorf("%w: file of %d bytes", errBadHeader, st.Size)
	}
	mem, err := unix.Mmap(m.fd(), 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: mmap: %w", err)
	}
	m.mem = mem
	return nil
}

// remap maps the file again after another process grew it.
func (m *memfile) remap() error {
	if m.mem != nil {
		if err := unix.Munmap(m.mem); err != nil {
			return fmt.Errorf("shm: munmap: %w", err)
		}
		m.mem = nil
	}
	return m.mmap()
}

// grow resizes the payload region to capacity. Caller holds the exclusive
// lock.
func (m *memfile) grow(capacity uint64) error {
	if err := unix.Ftruncate(m.fd(), int64(headerSize+capacity)); err != nil {
		return fmt.Errorf("shm: resize memfile: %w", err)
	}
	if err := m.remap(); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.mem[offCapacity:], capacity)
	gen := binary.LittleEndian.Uint32(m.mem[offGeneration:])
	binary.LittleEndian.PutUint32(m.mem[offGeneration:], gen+1)
	return nil
}

func (m *memfile) lock() error {
	return flock(m.fd(), unix.LOCK_EX)
}

func (m *memfile) rlock() error {
	return flock(m.fd(), unix.LOCK_SH)
}

// tryLock takes the exclusive lock without blocking.
func (m *memfile) tryLock() bool {
	return flock(m.fd(), unix.LOCK_EX|unix.LOCK_NB) == nil
}

func (m *memfile) unlock() {
	_ = flock(m.fd(), unix.LOCK_UN)
}

func (m *memfile) acksPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[offAcks]))
}

func (m *memfile) ack() {
	atomic.AddUint32(m.acksPtr(), 1)
}

func (m *memfile) acks() uint32 {
	return atomic.LoadUint32(m.acksPtr())
}

func (m *memfile) close(remove bool) {
	if m.mem != nil {
		_ = unix.Munmap(m.mem)
		m.mem = nil
	}
	_ = m.f.Close()
	if remove {
		_ = os.Remove(m.path)
	}
}

func flock(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// registration is an endpoint announcement file. It stays share-locked
// while the endpoint lives.
type registration struct {
	path string
	f    *os.File
}

func register(dir, kind string, reg frame.Registration) (*registration, error) {
	data, err := frame.EncodeRegistration(reg)
	if err != nil {
		return nil, err
	}
	name := registrationName(kind, string(reg.ID))
	tmp := filepath.Join(dir, "."+name+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create registration: %w", err)
	}
	fail := func(err error) (*registration, error) {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		return fail(fmt.Errorf("shm: write registration: %w", err))
	}
	if err := flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return fail(fmt.Errorf("shm: lock registration: %w", err))
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp, path); err != nil {
		return fail(fmt.Errorf("shm: publish registration: %w", err))
	}
	return &registration{path: path, f: f}, nil
}

func (r *registration) close() {
	_ = os.Remove(r.path)
	_ = r.f.Close()
}

// scan returns the live registrations of kind in dir. Registrations left
// behind by dead processes are removed together with their memfiles.
func scan(dir, kind string) ([]frame.Registration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("shm: scan: %w", err)
	}
	var regs []frame.Registration
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, kind+"_") || !strings.HasSuffix(name, ".reg") {
			continue
		}
		reg, alive, err := probe(filepath.Join(dir, name))
		if err != nil || !alive {
			if err == nil {
				removeStale(dir, kind, strings.TrimSuffix(strings.TrimPrefix(name, kind+"_"), ".reg"))
			}
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func probe(path string) (frame.Registration, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return frame.Registration{}, false, err
	}
	defer f.Close()
	if flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil {
		_ = flock(int(f.Fd()), unix.LOCK_UN)
		return frame.Registration{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return frame.Registration{}, false, err
	}
	reg, err := frame.DecodeRegistration(data)
	return reg, err == nil, err
}

func removeStale(dir, kind, id string) {
	_ = os.Remove(filepath.Join(dir, registrationName(kind, id)))
	if kind != kindPublisher {
		return
	}
	files, _ := filepath.Glob(filepath.Join(dir, "pub_"+id+"_*.mem"))
	for _, f := range files {
		_ = os.Remove(f)
	}
}
