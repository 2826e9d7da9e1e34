package freeze

import (
	"fmt"
	"github.com/ValentinKolb/freeze/lib/wire"
)

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Statistics are stored next to every servant. All times are milliseconds
// since the Unix epoch, AvgSaveTime is a duration in milliseconds. They stay
// zero unless the evictor keeps statistics.
type Statistics struct {
	CreationTime int64
	LastSaveTime int64
	AvgSaveTime  int64
}

// StatisticsCodec marshals Statistics as a fixed size struct of three longs
var StatisticsCodec = wire.RegisterCodec(wire.NewStructCodec[Statistics]("::Freeze::Statistics", 24,
	func(os *wire.OutputStream, s Statistics) error {
		os.WriteLong(s.CreationTime)
		os.WriteLong(s.LastSaveTime)
		os.WriteLong(s.AvgSaveTime)
		return nil
	},
	func(is *wire.InputStream) (Statistics, error) {
		var s Statistics
		var err error
		if s.CreationTime, err = is.ReadLong(); err != nil {
			return s, err
		}
		if s.LastSaveTime, err = is.ReadLong(); err != nil {
			return s, err
		}
		if s.AvgSaveTime, err = is.ReadLong(); err != nil {
			return s, err
		}
		return s, nil
	},
))

// saved records a save at now. The average is a running mean of the
// intervals between saves, the first interval starts at creation.
func (s *Statistics) saved(now int64) {
	if s.LastSaveTime == 0 {
		s.AvgSaveTime = now - s.CreationTime
	} else {
		s.AvgSaveTime = (s.AvgSaveTime + (now - s.LastSaveTime)) / 2
	}
	s.LastSaveTime = now
}

// --------------------------------------------------------------------------
// Object Records
// --------------------------------------------------------------------------

/*
	Record layout (one encapsulation):

	type id string | servant body (nested encapsulation) | Statistics (24 bytes)

	The servant body is written by Servant.Marshal. Wrapping it in its own
	encapsulation lets readers skip it without knowing the servant type.
*/

// ObjectRecord is the persistent form of a servant
type ObjectRecord struct {
	Servant Servant
	Stats   Statistics
}

// encodeRecord marshals a record into the value stored in the key-value store
func encodeRecord(rec *ObjectRecord) ([]byte, error) {
	os := wire.NewOutputStream(128)
	os.StartEncapsulation()
	os.WriteString(rec.Servant.TypeID())
	os.StartEncapsulation()
	if err := rec.Servant.Marshal(os); err != nil {
		return nil, fmt.Errorf("marshal servant %s: %w", rec.Servant.TypeID(), err)
	}
	os.EndEncapsulation()
	if err := StatisticsCodec.Write(os, rec.Stats); err != nil {
		return nil, err
	}
	os.EndEncapsulation()
	return os.Bytes(), nil
}

// decodeRecord unmarshals a stored value, the servant is created by factory
func decodeRecord(data []byte, factory ServantFactory) (*ObjectRecord, error) {
	is := wire.NewInputStream(data)
	if _, err := is.StartEncapsulation(); err != nil {
		return nil, err
	}
	typeID, err := is.ReadString()
	if err != nil {
		return nil, err
	}
	servant, err := factory(typeID)
	if err != nil {
		return nil, fmt.Errorf("create servant %s: %w", typeID, err)
	}
	if servant == nil {
		return nil, fmt.Errorf("no servant factory result for type %s", typeID)
	}
	if _, err := is.StartEncapsulation(); err != nil {
		return nil, err
	}
	if err := servant.Unmarshal(is); err != nil {
		return nil, fmt.Errorf("unmarshal servant %s: %w", typeID, err)
	}
	if err := is.EndEncapsulation(); err != nil {
		return nil, err
	}
	stats, err := StatisticsCodec.Read(is)
	if err != nil {
		return nil, err
	}
	if err := is.EndEncapsulation(); err != nil {
		return nil, err
	}
	return &ObjectRecord{Servant: servant, Stats: stats}, nil
}

// RecordInfo describes a stored record without decoding the servant
type RecordInfo struct {
	TypeID   string
	Encoding wire.Encoding
	BodySize int
	Stats    Statistics
}

// InspectRecord decodes the envelope of a stored record. The servant body is
// skipped, no ServantFactory is needed.
func InspectRecord(data []byte) (RecordInfo, error) {
	var info RecordInfo
	is := wire.NewInputStream(data)
	enc, err := is.StartEncapsulation()
	if err != nil {
		return info, err
	}
	info.Encoding = enc
	if info.TypeID, err = is.ReadString(); err != nil {
		return info, err
	}
	start := is.Pos()
	if _, err := is.SkipEncapsulation(); err != nil {
		return info, err
	}
	info.BodySize = is.Pos() - start
	if info.Stats, err = StatisticsCodec.Read(is); err != nil {
		return info, err
	}
	return info, is.EndEncapsulation()
}
