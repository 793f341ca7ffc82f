// Package export implements a reference-counted registry mapping stable
// integer object IDs (OIDs) to locally held objects exposed to a remote
// peer.
//
// A Table is the Go analogue of hudson.remoting.ExportTable: objects
// are admitted with Export, looked up by OID with Get, and released with
// Unexport. Reference counts that reach zero move the entry to a bounded
// diagnostic log so a subsequent lookup of a stale OID can report both when
// it was allocated and when it was released.
package export

import (
	"fmt"
	"runtime"
	"sync"
)

// pinBias is added to an entry's reference count by Pin, once, so ordinary
// releases can never bring the count back down to zero.
const pinBias = 0x40000000

// pinThreshold is the reference count below which Pin will apply pinBias.
// An already-pinned entry (count >= pinThreshold) is left alone.
const pinThreshold = 0x20000000

// DefaultLogSize is the default capacity of the unexport diagnostic log.
const DefaultLogSize = 1024

// ErrorPropagator is implemented by exported objects that can be woken with
// a failure cause, so a Table.Abort can unblock anything blocked on them
// (for example a pipe reader waiting on a dead connection).
type ErrorPropagator interface {
	PropagateError(cause error)
}

// ReferenceRecorder observes reference-count transitions on a Table, for
// tests that need to assert on them without racing a sleep against the
// table's internal goroutine-free bookkeeping.
type ReferenceRecorder interface {
	OnAddRef(oid uint32, count int)
	OnRelease(oid uint32, count int)
}

// Entry describes one exported object as reported by Diagnose.
type Entry struct {
	OID             uint32
	Object          any
	ReferenceCount  int
	AllocationTrace string
	ReleaseTrace    string // empty unless the entry has been unexported
}

type entry struct {
	oid             uint32
	object          any
	refCount        int
	allocationTrace string
	releaseTrace    string
}

// Table is a reference-counted registry of exported objects. The zero value
// is not usable; construct one with New.
type Table struct {
	mu          sync.Mutex
	nextOID     uint32
	byOID       map[uint32]*entry
	byObject    map[any]*entry
	unexportLog []*entry
	logSize     int
	recorder    ReferenceRecorder
}

// New constructs an empty Table whose unexport diagnostic log holds at most
// logSize entries. A logSize of 0 uses DefaultLogSize.
func New(logSize int) *Table {
	if logSize <= 0 {
		logSize = DefaultLogSize
	}
	return &Table{
		nextOID:  1, // OID 0 is reserved for null
		byOID:    make(map[uint32]*entry),
		byObject: make(map[any]*entry),
		logSize:  logSize,
	}
}

// SetRecorder installs (or, with nil, removes) a reference-count observer.
func (t *Table) SetRecorder(r ReferenceRecorder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recorder = r
}

// Export admits obj to the table and returns its OID. If obj is already
// exported, its reference count is incremented and the same OID is
// returned.
func (t *Table) Export(obj any) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byObject[obj]; ok {
		e.refCount++
		t.notifyAddRef(e)
		return e.oid
	}

	oid := t.nextOID
	t.nextOID++
	e := &entry{
		oid:             oid,
		object:          obj,
		refCount:        1,
		allocationTrace: captureTrace(2),
	}
	t.byOID[oid] = e
	t.byObject[obj] = e
	t.notifyAddRef(e)
	return oid
}

// Get returns the object registered under oid, or a KindInvalidObjectID
// error enriched with diagnostic information recovered from the unexport
// log when the OID was exported and later released.
func (t *Table) Get(oid uint32) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byOID[oid]; ok {
		return e.object, nil
	}
	for _, e := range t.unexportLog {
		if e.oid == oid {
			return nil, &InvalidObjectIDError{
				OID:             oid,
				AllocationTrace: e.allocationTrace,
				ReleaseTrace:    e.releaseTrace,
			}
		}
	}
	return nil, &InvalidObjectIDError{OID: oid}
}

// Unexport decrements the reference count for oid, moving the entry to the
// unexport log once the count reaches zero. It is not an error to unexport
// an OID that is not (or no longer) present.
func (t *Table) Unexport(oid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byOID[oid]
	if !ok {
		return
	}
	t.releaseLocked(e)
}

// UnexportObject decrements the reference count for the entry registered
// under obj, if any.
func (t *Table) UnexportObject(obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byObject[obj]
	if !ok {
		return
	}
	t.releaseLocked(e)
}

func (t *Table) releaseLocked(e *entry) {
	e.refCount--
	t.notifyRelease(e)
	if e.refCount > 0 {
		return
	}
	delete(t.byOID, e.oid)
	delete(t.byObject, e.object)
	e.releaseTrace = captureTrace(3)
	t.unexportLog = append(t.unexportLog, e)
	if len(t.unexportLog) > t.logSize {
		t.unexportLog = t.unexportLog[len(t.unexportLog)-t.logSize:]
	}
}

// Pin raises the reference count of the entry registered under obj into a
// high-water range so that ordinary releases can never deallocate it. Pin
// is a no-op if obj is not currently exported.
func (t *Table) Pin(obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byObject[obj]
	if !ok {
		return
	}
	if e.refCount < pinThreshold {
		e.refCount += pinBias
	}
}

// Abort propagates cause to every exported object implementing
// ErrorPropagator, then clears the table. Intended for use when the owning
// channel terminates.
func (t *Table) Abort(cause error) {
	t.mu.Lock()
	objs := make([]any, 0, len(t.byOID))
	for _, e := range t.byOID {
		objs = append(objs, e.object)
	}
	t.byOID = make(map[uint32]*entry)
	t.byObject = make(map[any]*entry)
	t.mu.Unlock()

	for _, obj := range objs {
		if p, ok := obj.(ErrorPropagator); ok {
			p.PropagateError(cause)
		}
	}
}

// Len reports the number of entries currently exported.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byOID)
}

// Diagnose reports what the table currently knows about oid: its live
// entry if still exported, or its most recent unexport-log entry if it was
// exported and later released. The second return value is false if oid is
// unknown entirely.
func (t *Table) Diagnose(oid uint32) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byOID[oid]; ok {
		return Entry{OID: oid, Object: e.object, ReferenceCount: e.refCount, AllocationTrace: e.allocationTrace}, true
	}
	for _, e := range t.unexportLog {
		if e.oid == oid {
			return Entry{
				OID:             oid,
				ReferenceCount:  0,
				AllocationTrace: e.allocationTrace,
				ReleaseTrace:    e.releaseTrace,
			}, true
		}
	}
	return Entry{}, false
}

func (t *Table) notifyAddRef(e *entry) {
	if t.recorder != nil {
		t.recorder.OnAddRef(e.oid, e.refCount)
	}
}

func (t *Table) notifyRelease(e *entry) {
	if t.recorder != nil {
		t.recorder.OnRelease(e.oid, e.refCount)
	}
}

// InvalidObjectIDError reports a lookup against an OID the table does not
// (or no longer) hold.
type InvalidObjectIDError struct {
	OID             uint32
	AllocationTrace string // non-empty if the OID was exported and later released
	ReleaseTrace    string // non-empty if the OID was exported and later released
}

func (e *InvalidObjectIDError) Error() string {
	if e.AllocationTrace == "" {
		return fmt.Sprintf("invalid object id %d", e.OID)
	}
	return fmt.Sprintf("invalid object id %d (allocated at %s, released at %s)",
		e.OID, e.AllocationTrace, e.ReleaseTrace)
}

// captureTrace renders a short call-site description for diagnostic
// purposes. skip counts frames as runtime.Caller does: 0 is captureTrace
// itself, 1 its caller, 2 that caller's caller.
func captureTrace(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}
