// ============================================================================
// Shared-memory time series
// Responsibility: the multi-process Series implementation. All elements of
// one series live in a named memory-mapped ring so that a backend process
// and any number of frontend processes observe the same indices.
//
// Layout of the mapped region:
//
//	header (64 B): magic | version | history | slotSize | next | reserved
//	slot[k]  (32 B + slotSize): seq | index | stamp | dataLen | payload
//
// Writers serialize through an advisory file lock; each slot is protected
// by a seqlock (odd seq = write in progress) so readers never observe a
// torn element. Readers wait for future indices by polling the atomic
// `next` counter; there is no cross-process wakeup primitive here, the
// polling interval bounds the wakeup latency instead.
// ============================================================================

package shm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/robot-relay/internal/timeseries"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

const (
	magic   = 0x524f424f54534552 // "ROBOTSER"
	version = 1

	headerSize = 64
	slotMeta   = 32 // seq + index + stamp + dataLen + padding

	offMagic    = 0
	offVersion  = 8
	offHistory  = 16
	offSlotSize = 24
	offNext     = 32

	// DefaultSlotSize bounds the encoded size of one element.
	DefaultSlotSize = 1024

	// pollInterval is the wait granularity for cross-process waits.
	pollInterval = 500 * time.Microsecond
)

// Predefined errors
var (
	// ErrBadRegion indicates the mapped file is not a series region or was
	// created with different parameters
	ErrBadRegion = errors.New("shm: region header mismatch")

	// ErrElementTooLarge indicates an element does not fit the slot size
	// the region was created with
	ErrElementTooLarge = errors.New("shm: encoded element exceeds slot size")
)

// Shared is a Series backed by a named shared-memory region.
type Shared[T any] struct {
	name     string
	file     *os.File
	mem      []byte
	history  uint64
	slotSize uint64
	isMaster bool

	// appendMu serializes appends from this process; the file lock
	// serializes against other processes.
	appendMu sync.Mutex
}

var _ timeseries.Series[int] = (*Shared[int])(nil)

// regionDir returns the directory for the backing files. /dev/shm keeps the
// region purely in memory on Linux; elsewhere the temp dir is used.
func regionDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create builds a new region for `history` elements of up to `slotSize`
// encoded bytes and maps it. An existing region of the same name is
// replaced.
func Create[T any](name string, history int, slotSize int) (*Shared[T], error) {
	if history <= 0 {
		history = timeseries.DefaultHistory
	}
	if slotSize <= 0 {
		slotSize = DefaultSlotSize
	}
	slotSize = (slotSize + 7) &^ 7 // keep slots 8-byte aligned

	path := filepath.Join(regionDir(), name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: create region %s: %w", name, err)
	}

	size := headerSize + history*(slotMeta+slotSize)
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: size region %s: %w", name, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: map region %s: %w", name, err)
	}

	binary.LittleEndian.PutUint64(mem[offMagic:], magic)
	binary.LittleEndian.PutUint64(mem[offVersion:], version)
	binary.LittleEndian.PutUint64(mem[offHistory:], uint64(history))
	binary.LittleEndian.PutUint64(mem[offSlotSize:], uint64(slotSize))
	binary.LittleEndian.PutUint64(mem[offNext:], 0)

	return &Shared[T]{
		name:     name,
		file:     file,
		mem:      mem,
		history:  uint64(history),
		slotSize: uint64(slotSize),
		isMaster: true,
	}, nil
}

// Attach maps an existing region created by a master process.
func Attach[T any](name string) (*Shared[T], error) {
	path := filepath.Join(regionDir(), name)
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: attach region %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat region %s: %w", name, err)
	}
	if info.Size() < headerSize {
		file.Close()
		return nil, ErrBadRegion
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: map region %s: %w", name, err)
	}

	if binary.LittleEndian.Uint64(mem[offMagic:]) != magic ||
		binary.LittleEndian.Uint64(mem[offVersion:]) != version {
		unix.Munmap(mem)
		file.Close()
		return nil, ErrBadRegion
	}

	history := binary.LittleEndian.Uint64(mem[offHistory:])
	slotSize := binary.LittleEndian.Uint64(mem[offSlotSize:])
	expected := headerSize + history*(slotMeta+slotSize)
	if uint64(info.Size()) != expected {
		unix.Munmap(mem)
		file.Close()
		return nil, ErrBadRegion
	}

	return &Shared[T]{
		name:     name,
		file:     file,
		mem:      mem,
		history:  history,
		slotSize: slotSize,
	}, nil
}

// Close unmaps the region. The master also removes the backing file, which
// invalidates the name for late attachers but keeps existing mappings alive.
func (s *Shared[T]) Close() error {
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			return fmt.Errorf("shm: unmap region %s: %w", s.name, err)
		}
		s.mem = nil
	}
	if s.file != nil {
		path := s.file.Name()
		s.file.Close()
		s.file = nil
		if s.isMaster {
			os.Remove(path)
		}
	}
	return nil
}

// History returns the configured history length.
func (s *Shared[T]) History() int {
	return int(s.history)
}

func (s *Shared[T]) nextPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[offNext]))
}

func (s *Shared[T]) slotOffset(i uint64) uint64 {
	return headerSize + (i%s.history)*(slotMeta+s.slotSize)
}

// Append encodes v into its slot and publishes the new index. It panics if
// the element does not fit the slot size; that is a configuration error,
// not a runtime condition the loop could recover from.
func (s *Shared[T]) Append(v T) types.TimeIndex {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("shm: encode element for %s: %v", s.name, err))
	}
	if uint64(len(payload)) > s.slotSize {
		panic(fmt.Sprintf("shm: %v (%d > %d bytes) in %s",
			ErrElementTooLarge, len(payload), s.slotSize, s.name))
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	fd := int(s.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		panic(fmt.Sprintf("shm: lock region %s: %v", s.name, err))
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	next := atomic.LoadUint64(s.nextPtr())
	off := s.slotOffset(next)
	seqPtr := (*uint64)(unsafe.Pointer(&s.mem[off]))

	// Seqlock write: odd while the slot is inconsistent.
	atomic.AddUint64(seqPtr, 1)
	binary.LittleEndian.PutUint64(s.mem[off+8:], next)
	binary.LittleEndian.PutUint64(s.mem[off+16:],
		math.Float64bits(float64(time.Now().UnixNano())/1e6))
	binary.LittleEndian.PutUint32(s.mem[off+24:], uint32(len(payload)))
	copy(s.mem[off+slotMeta:off+slotMeta+s.slotSize], payload)
	atomic.AddUint64(seqPtr, 1)

	atomic.StoreUint64(s.nextPtr(), next+1)
	return types.TimeIndex(next)
}

// readSlot copies a stable snapshot of the slot holding index i. It returns
// ErrEvicted if the slot has been reused for a newer index by the time a
// stable read succeeds.
func (s *Shared[T]) readSlot(i uint64) (payload []byte, stamp float64, err error) {
	off := s.slotOffset(i)
	seqPtr := (*uint64)(unsafe.Pointer(&s.mem[off]))
	buf := make([]byte, s.slotSize)

	for {
		seq1 := atomic.LoadUint64(seqPtr)
		if seq1&1 == 1 {
			runtime.Gosched()
			continue
		}
		index := binary.LittleEndian.Uint64(s.mem[off+8:])
		stamp = math.Float64frombits(binary.LittleEndian.Uint64(s.mem[off+16:]))
		length := binary.LittleEndian.Uint32(s.mem[off+24:])
		copy(buf, s.mem[off+slotMeta:off+slotMeta+s.slotSize])

		if atomic.LoadUint64(seqPtr) != seq1 {
			continue
		}
		if index != i {
			return nil, 0, timeseries.ErrEvicted
		}
		if uint64(length) > s.slotSize {
			return nil, 0, ErrBadRegion
		}
		return buf[:length], stamp, nil
	}
}

// NewestIndex returns the highest published index.
func (s *Shared[T]) NewestIndex() (types.TimeIndex, bool) {
	next := atomic.LoadUint64(s.nextPtr())
	if next == 0 {
		return 0, false
	}
	return types.TimeIndex(next - 1), true
}

// NewestElement returns the element at the newest index.
func (s *Shared[T]) NewestElement() (T, error) {
	var zero T
	next := atomic.LoadUint64(s.nextPtr())
	if next == 0 {
		return zero, timeseries.ErrEmptySeries
	}
	// Retry on eviction: a concurrent writer may reuse the slot between
	// loading `next` and the stable read.
	for {
		v, err := s.At(types.TimeIndex(next - 1))
		if errors.Is(err, timeseries.ErrEvicted) {
			next = atomic.LoadUint64(s.nextPtr())
			continue
		}
		return v, err
	}
}

// At returns the element at index i, blocking while i is in the future.
func (s *Shared[T]) At(i types.TimeIndex) (T, error) {
	var zero T
	for atomic.LoadUint64(s.nextPtr()) <= uint64(i) {
		time.Sleep(pollInterval)
	}

	payload, _, err := s.readSlot(uint64(i))
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return zero, fmt.Errorf("shm: decode element %d of %s: %w", i, s.name, err)
	}
	return v, nil
}

// WaitForIndex polls until index i is published or the timeout elapses.
func (s *Shared[T]) WaitForIndex(i types.TimeIndex, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadUint64(s.nextPtr()) > uint64(i) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// TimestampMS returns the commit time of index i in Unix milliseconds.
func (s *Shared[T]) TimestampMS(i types.TimeIndex) (float64, error) {
	next := atomic.LoadUint64(s.nextPtr())
	if next == 0 {
		return 0, timeseries.ErrEmptySeries
	}
	if uint64(i) >= next {
		return 0, timeseries.ErrFutureIndex
	}
	_, stamp, err := s.readSlot(uint64(i))
	if err != nil {
		return 0, err
	}
	return stamp, nil
}
