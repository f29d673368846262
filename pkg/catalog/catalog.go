// Package catalog registers tables and indexes and hands executors their
// metadata.
package catalog

import (
	"sync"

	"crabdb/pkg/buffer"
	"crabdb/pkg/concurrency/transaction"
	"crabdb/pkg/errs"
	"crabdb/pkg/primitives"
	"crabdb/pkg/storage/heap"
	"crabdb/pkg/storage/index/btree"
	"crabdb/pkg/tuple"
)

// TableMetadata describes one registered table.
type TableMetadata struct {
	OID    primitives.TableOID
	Name   string
	Schema *tuple.Schema
	Heap   *heap.TableHeap
}

// IndexInfo describes one registered index.
type IndexInfo struct {
	OID       primitives.IndexOID
	Name      string
	TableName string
	Tree      *btree.BPlusTree
	KeySchema *tuple.Schema
	KeyAttrs  []int
	KeySize   int
}

// Catalog is the in-process table and index registry. Names are unique per
// namespace; lookups miss with NOT_FOUND, duplicate creations fail with
// OUT_OF_RANGE.
type Catalog struct {
	mu  sync.RWMutex
	bpm *buffer.Pool

	tables     map[primitives.TableOID]*TableMetadata
	tableNames map[string]primitives.TableOID
	indexes    map[primitives.IndexOID]*IndexInfo
	indexNames map[string]map[string]primitives.IndexOID // table -> index -> oid

	nextTableOID primitives.TableOID
	nextIndexOID primitives.IndexOID
}

// New creates an empty catalog over the buffer pool.
func New(bpm *buffer.Pool) *Catalog {
	return &Catalog{
		bpm:        bpm,
		tables:     make(map[primitives.TableOID]*TableMetadata),
		tableNames: make(map[string]primitives.TableOID),
		indexes:    make(map[primitives.IndexOID]*IndexInfo),
		indexNames: make(map[string]map[string]primitives.IndexOID),
	}
}

// CreateTable registers a new table and allocates its heap.
func (c *Catalog) CreateTable(txn *transaction.Transaction, name string, schema *tuple.Schema) (*TableMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tableNames[name]; exists {
		return nil, errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
			"table %q already exists", name).WithOp("CreateTable", "Catalog")
	}

	th, err := heap.NewTableHeap(c.bpm)
	if err != nil {
		return nil, err
	}

	oid := c.nextTableOID
	c.nextTableOID++
	md := &TableMetadata{OID: oid, Name: name, Schema: schema, Heap: th}
	c.tables[oid] = md
	c.tableNames[name] = oid
	return md, nil
}

// GetTable looks a table up by name.
func (c *Catalog) GetTable(name string) (*TableMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	oid, ok := c.tableNames[name]
	if !ok {
		return nil, errs.Newf(errs.CategoryUser, errs.CodeNotFound,
			"table %q does not exist", name).WithOp("GetTable", "Catalog")
	}
	return c.tables[oid], nil
}

// GetTableByOID looks a table up by oid.
func (c *Catalog) GetTableByOID(oid primitives.TableOID) (*TableMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	md, ok := c.tables[oid]
	if !ok {
		return nil, errs.Newf(errs.CategoryUser, errs.CodeNotFound,
			"table oid %d does not exist", oid).WithOp("GetTableByOID", "Catalog")
	}
	return md, nil
}

// CreateIndex registers a B+ tree index over keyAttrs of the named table and
// backfills it from the table's current contents. Zero max sizes derive
// page-filling defaults.
func (c *Catalog) CreateIndex(txn *transaction.Transaction, indexName, tableName string,
	keyAttrs []int, keySize, leafMaxSize, internalMaxSize int) (*IndexInfo, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	tableOID, ok := c.tableNames[tableName]
	if !ok {
		return nil, errs.Newf(errs.CategoryUser, errs.CodeNotFound,
			"table %q does not exist", tableName).WithOp("CreateIndex", "Catalog")
	}
	table := c.tables[tableOID]

	if byName, ok := c.indexNames[tableName]; ok {
		if _, dup := byName[indexName]; dup {
			return nil, errs.Newf(errs.CategoryUser, errs.CodeOutOfRange,
				"index %q already exists on table %q", indexName, tableName).
				WithOp("CreateIndex", "Catalog")
		}
	}

	tree, err := btree.New(btree.Config{
		Name:            indexName,
		KeySize:         keySize,
		LeafMaxSize:     leafMaxSize,
		InternalMaxSize: internalMaxSize,
	}, c.bpm)
	if err != nil {
		return nil, err
	}

	info := &IndexInfo{
		OID:       c.nextIndexOID,
		Name:      indexName,
		TableName: tableName,
		Tree:      tree,
		KeySchema: table.Schema.Project(keyAttrs),
		KeyAttrs:  keyAttrs,
		KeySize:   keySize,
	}
	c.nextIndexOID++

	// Backfill from the table's current contents.
	it := table.Heap.Iterate(txn)
	for {
		ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		t, err := tuple.Deserialize(it.Tuple(), table.Schema)
		if err != nil {
			return nil, err
		}
		key := EncodeKey(t, info.KeyAttrs, info.KeySize)
		if _, err := tree.Insert(key, it.RID(), txn); err != nil {
			return nil, err
		}
	}

	c.indexes[info.OID] = info
	if c.indexNames[tableName] == nil {
		c.indexNames[tableName] = make(map[string]primitives.IndexOID)
	}
	c.indexNames[tableName][indexName] = info.OID
	return info, nil
}

// GetIndex looks an index up by name within a table's namespace.
func (c *Catalog) GetIndex(indexName, tableName string) (*IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byName, ok := c.indexNames[tableName]
	if ok {
		if oid, ok := byName[indexName]; ok {
			return c.indexes[oid], nil
		}
	}
	return nil, errs.Newf(errs.CategoryUser, errs.CodeNotFound,
		"index %q does not exist on table %q", indexName, tableName).
		WithOp("GetIndex", "Catalog")
}

// GetTableIndexes returns every index registered for the table.
func (c *Catalog) GetTableIndexes(tableName string) []*IndexInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var infos []*IndexInfo
	for _, oid := range c.indexNames[tableName] {
		infos = append(infos, c.indexes[oid])
	}
	return infos
}

// EncodeKey projects keyAttrs out of the tuple into a fixed-width index key:
// int64 cells use the order-preserving encoding, varchar cells are truncated
// or zero padded to the remaining width.
func EncodeKey(t *tuple.Tuple, keyAttrs []int, keySize int) []byte {
	key := make([]byte, keySize)
	off := 0
	for _, a := range keyAttrs {
		if off >= keySize {
			break
		}
		v := t.Value(a)
		if v.Type == tuple.TypeInt64 {
			if off+btree.Int64KeySize <= keySize {
				copy(key[off:], btree.Int64Key(v.Int))
			}
			off += btree.Int64KeySize
		} else {
			off += copy(key[off:], v.Str)
		}
	}
	return key
}
