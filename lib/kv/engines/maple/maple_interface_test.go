package maple

import (
	"github.com/ValentinKolb/freeze/lib/kv"
	kvtesting "github.com/ValentinKolb/freeze/lib/kv/testing"
	"testing"
)

func Test(t *testing.T) {
	kvtesting.RunStoreTests(t, "MapleStore", func() kv.Store {
		return NewMapleStore(nil)
	})
}

func Benchmark(t *testing.B) {
	kvtesting.RunStoreBenchmarks(t, "MapleStore", func() kv.Store {
		return NewMapleStore(nil)
	})
}
