package local_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/derektruong/fxupload/internal/upstate/upstatetest"
	"github.com/derektruong/fxupload/storage"
	"github.com/derektruong/fxupload/storage/local"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	var (
		err      error
		store    *local.Store
		clientID string
	)

	BeforeEach(func() {
		store, err = local.NewStore(GinkgoLogr, filepath.Join(tempDir, "state"))
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(store.Close)
		clientID = gofakeit.UUID()
	})

	It("should report unknown clients", func(ctx context.Context) {
		_, err := store.GetState(ctx, clientID)
		Expect(err).To(MatchError(storage.ErrStateNotExists))
	}, NodeTimeout(10*time.Second))

	It("should persist and load the state", func(ctx context.Context) {
		state := upstatetest.StateFactory(clientID, 3)
		Expect(store.Persist(ctx, clientID, state)).To(Succeed())

		loaded, err := store.GetState(ctx, clientID)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.ClientID).To(Equal(clientID))
		Expect(loaded.Records).To(HaveLen(3))
		for id, rec := range state.Records {
			Expect(loaded.Records).To(HaveKey(id))
			Expect(loaded.Records[id].Size).To(Equal(rec.Size))
			Expect(loaded.Records[id].ValidatedBytes).To(Equal(rec.ValidatedBytes))
			Expect(loaded.Records[id].CreatedAt.Equal(rec.CreatedAt)).To(BeTrue())
		}
	}, NodeTimeout(10*time.Second))

	It("should replace the previous state", func(ctx context.Context) {
		Expect(store.Persist(ctx, clientID, upstatetest.StateFactory(clientID, 3))).To(Succeed())
		Expect(store.Persist(ctx, clientID, upstatetest.StateFactory(clientID, 1))).To(Succeed())
		loaded, err := store.GetState(ctx, clientID)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.Records).To(HaveLen(1))
	}, NodeTimeout(10*time.Second))

	It("should delete the state", func(ctx context.Context) {
		Expect(store.Persist(ctx, clientID, upstatetest.StateFactory(clientID, 1))).To(Succeed())
		Expect(store.DeleteAll(ctx, clientID)).To(Succeed())
		_, err := store.GetState(ctx, clientID)
		Expect(err).To(MatchError(storage.ErrStateNotExists))
		Expect(store.DeleteAll(ctx, clientID)).To(Succeed())
	}, NodeTimeout(10*time.Second))

	It("should reject unsafe client ids", func(ctx context.Context) {
		Expect(store.Persist(ctx, "../x", upstatetest.StateFactory("x", 1))).To(MatchError(storage.ErrInvalidClientID))
	}, NodeTimeout(10*time.Second))
})
