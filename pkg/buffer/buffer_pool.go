package buffer

import (
	"log/slog"
	"sync"

	"crabdb/pkg/errs"
	"crabdb/pkg/logging"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/disk"
	"crabdb/pkg/storage/page"
)

// Pool caches disk pages in a fixed array of frames. Fetching pins the page;
// callers must pair every fetch with exactly one unpin. While a page is
// pinned its frame is never evicted, so pointers returned by Fetch/New remain
// valid until the matching Unpin.
type Pool struct {
	mu       sync.Mutex
	frames   []*page.Page
	table    map[primitives.PageID]frameID
	freeList []frameID
	replacer *lruReplacer
	dm       *disk.Manager
	log      *slog.Logger
}

// NewPool creates a buffer pool with poolSize frames over the given disk
// manager.
func NewPool(poolSize int, dm *disk.Manager) *Pool {
	frames := make([]*page.Page, poolSize)
	freeList := make([]frameID, 0, poolSize)
	for i := range frames {
		frames[i] = &page.Page{}
		frames[i].SetID(primitives.InvalidPageID)
		freeList = append(freeList, frameID(i))
	}
	return &Pool{
		frames:   frames,
		table:    make(map[primitives.PageID]frameID),
		freeList: freeList,
		replacer: newLRUReplacer(),
		dm:       dm,
		log:      logging.For("BufferPool"),
	}
}

// findFrame produces a usable frame: from the free list if possible,
// otherwise by evicting an unpinned victim (flushing it first if dirty).
// Caller holds p.mu.
func (p *Pool) findFrame() (frameID, error) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return fid, nil
	}

	fid, ok := p.replacer.Victim()
	if !ok {
		return 0, errs.New(errs.CategoryResource, errs.CodeOutOfMemory,
			"all buffer pool frames are pinned").WithOp("findFrame", "BufferPool")
	}

	victim := p.frames[fid]
	if victim.IsDirty() {
		if err := p.dm.WritePage(victim.ID(), victim.Data()); err != nil {
			return 0, errs.Wrap(err, errs.CodeOutOfMemory, "findFrame", "BufferPool")
		}
	}
	delete(p.table, victim.ID())
	return fid, nil
}

// FetchPage returns the page pinned. The caller is responsible for latching
// the returned page before touching its data.
func (p *Pool) FetchPage(pid primitives.PageID) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.table[pid]; ok {
		pg := p.frames[fid]
		pg.IncPin()
		p.replacer.Pin(fid)
		return pg, nil
	}

	fid, err := p.findFrame()
	if err != nil {
		return nil, err
	}

	pg := p.frames[fid]
	pg.Reset(pid)
	if err := p.dm.ReadPage(pid, pg.Data()); err != nil {
		p.freeList = append(p.freeList, fid)
		return nil, errs.Wrap(err, errs.CodeOutOfMemory, "FetchPage", "BufferPool")
	}

	p.table[pid] = fid
	pg.IncPin()
	p.replacer.Pin(fid)
	return pg, nil
}

// NewPage allocates a fresh disk page, pins it in a zeroed frame and returns
// it.
func (p *Pool) NewPage() (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, err := p.findFrame()
	if err != nil {
		return nil, err
	}

	pid := p.dm.AllocatePage()
	pg := p.frames[fid]
	pg.Reset(pid)
	pg.IncPin()
	p.table[pid] = fid
	p.replacer.Pin(fid)
	return pg, nil
}

// UnpinPage drops one pin on the page, marking it dirty if the caller
// modified it. When the pin count reaches zero the frame becomes evictable.
// Returns false if the page is not resident or was not pinned.
func (p *Pool) UnpinPage(pid primitives.PageID, dirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table[pid]
	if !ok {
		return false
	}
	pg := p.frames[fid]
	if pg.PinCount() <= 0 {
		p.log.Warn("unpin of unpinned page", "page", pid)
		return false
	}
	if dirty {
		pg.SetDirty(true)
	}
	pg.DecPin()
	if pg.PinCount() == 0 {
		p.replacer.Unpin(fid)
	}
	return true
}

// DeletePage removes the page from the pool and returns it to the disk
// manager's free list. The page must be unpinned.
func (p *Pool) DeletePage(pid primitives.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table[pid]
	if ok {
		pg := p.frames[fid]
		if pg.PinCount() > 0 {
			return false
		}
		p.replacer.Pin(fid)
		delete(p.table, pid)
		pg.Reset(primitives.InvalidPageID)
		p.freeList = append(p.freeList, fid)
	}
	p.dm.DeallocatePage(pid)
	return true
}

// FlushPage writes the page to disk if resident, clearing its dirty flag.
func (p *Pool) FlushPage(pid primitives.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(pid)
}

func (p *Pool) flushLocked(pid primitives.PageID) error {
	fid, ok := p.table[pid]
	if !ok {
		return nil
	}
	pg := p.frames[fid]
	if err := p.dm.WritePage(pid, pg.Data()); err != nil {
		return err
	}
	pg.SetDirty(false)
	return nil
}

// FlushAll writes every resident page to disk.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	pids := make([]primitives.PageID, 0, len(p.table))
	for pid := range p.table {
		pids = append(pids, pid)
	}
	p.mu.Unlock()

	for _, pid := range pids {
		if err := p.FlushPage(pid); err != nil {
			return err
		}
	}
	return nil
}

// PinCount reports the pin count of a resident page, or -1 if not resident.
// Intended for tests and invariant checks.
func (p *Pool) PinCount(pid primitives.PageID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	fid, ok := p.table[pid]
	if !ok {
		return -1
	}
	return p.frames[fid].PinCount()
}
