package upstatetest

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/derektruong/fxupload/internal/upstate"
)

// RecordFactory builds a random record, editFns are applied in order.
func RecordFactory(editFns ...func(rec *upstate.Record)) upstate.Record {
	ext := gofakeit.FileExtension()
	id := gofakeit.UUID()
	size := int64(gofakeit.Number(1024, 1<<20))
	rec := upstate.Record{
		ID:             id + "." + ext,
		OriginalName:   fmt.Sprintf("%s.%s", gofakeit.Word(), ext),
		Size:           size,
		Path:           fmt.Sprintf("/%s/%s.%s", gofakeit.Word(), id, ext),
		ValidatedBytes: int64(gofakeit.Number(0, int(size)-1)),
		CreatedAt:      gofakeit.PastDate(),
	}
	for _, fn := range editFns {
		if fn != nil {
			fn(&rec)
		}
	}
	return rec
}

// StateFactory builds a state of n random records for clientID.
func StateFactory(clientID string, n int) upstate.State {
	state := upstate.NewState(clientID)
	for range n {
		state.Put(RecordFactory())
	}
	return state
}
