package freeze

import (
	"errors"
	"github.com/ValentinKolb/freeze/lib/kv"
	"sort"
)

// --------------------------------------------------------------------------
// Inspector
// --------------------------------------------------------------------------

// Inspector reads the records of an evictor's store without servant
// factories. It does not cache and does not write, it is meant for tools
// looking at a store no evictor is running on.
//
// Thread-safety: safe for concurrent use, every call runs in its own
// read-only access to the store.
type Inspector struct {
	store kv.Store
}

// NewInspector creates an inspector on store
func NewInspector(store kv.Store) *Inspector {
	return &Inspector{store: store}
}

// Facets returns the sorted facet names that have a table in the store
func (in *Inspector) Facets() ([]string, error) {
	tables, err := in.store.Tables()
	if err != nil {
		return nil, databaseError(err, "cannot list tables")
	}
	facets := make([]string, 0, len(tables))
	for _, name := range tables {
		facets = append(facets, facetOfTable(name))
	}
	sort.Strings(facets)
	return facets, nil
}

// Identities returns an iterator over the identities stored for facet
func (in *Inspector) Identities(facet string, batchSize int) (*EvictorIterator, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	it := &EvictorIterator{batchSize: batchSize}
	table, err := in.open(facet)
	if err != nil {
		return nil, err
	}
	if table == nil {
		it.done = true
		return it, nil
	}
	it.table = table
	return it, nil
}

// Record returns the raw record of ident in facet
func (in *Inspector) Record(ident Identity, facet string) ([]byte, error) {
	table, err := in.open(facet)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, &Error{Code: ErrCFacetNotExist, Msg: "facet has no table", Identity: ident, Facet: facet}
	}
	data, err := table.Get(nil, identityKey(ident))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, &Error{Code: ErrCObjectNotExist, Msg: "no record", Identity: ident, Facet: facet}
	}
	if err != nil {
		return nil, databaseError(err, "cannot read %s", ident)
	}
	return data, nil
}

// Inspect returns the envelope of the record of ident in facet
func (in *Inspector) Inspect(ident Identity, facet string) (RecordInfo, error) {
	data, err := in.Record(ident, facet)
	if err != nil {
		return RecordInfo{}, err
	}
	info, err := InspectRecord(data)
	if err != nil {
		return info, &Error{Code: ErrCDatabase, Msg: "corrupted record", Identity: ident, Facet: facet, Err: err}
	}
	return info, nil
}

// open returns the table of facet, nil if it does not exist
func (in *Inspector) open(facet string) (kv.Table, error) {
	table, err := in.store.Open(tableOfFacet(facet), false)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, databaseError(err, "cannot open table for facet %q", facet)
	}
	return table, nil
}
