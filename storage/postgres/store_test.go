package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/derektruong/fxupload/internal/upstate"
	"github.com/derektruong/fxupload/internal/upstate/upstatetest"
	"github.com/derektruong/fxupload/storage"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pressly/goose/v3"
	"github.com/samber/lo"
)

var _ = Describe("Store", func() {
	var (
		db    *sql.DB
		mock  sqlmock.Sqlmock
		store *Store
	)

	BeforeEach(func() {
		var err error
		db, mock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		store = NewStore(GinkgoLogr, db)
		DeferCleanup(func() {
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("GetState", func() {
		It("should report unknown clients", func(ctx context.Context) {
			mock.ExpectQuery(`SELECT 1 FROM upload_clients WHERE client_id = \$1`).
				WithArgs("c1").
				WillReturnError(sql.ErrNoRows)

			_, err := store.GetState(ctx, "c1")
			Expect(err).To(MatchError(storage.ErrStateNotExists))
		}, NodeTimeout(10*time.Second))

		It("should load every record of the client", func(ctx context.Context) {
			created := time.Now().UTC().Truncate(time.Second)
			mock.ExpectQuery(`SELECT 1 FROM upload_clients`).
				WithArgs("c1").
				WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
			mock.ExpectQuery(`(?s)SELECT file_id, .* FROM upload_records\s+WHERE client_id = \$1`).
				WithArgs("c1").
				WillReturnRows(sqlmock.NewRows([]string{
					"file_id", "original_name", "size", "path", "validated_bytes",
					"rate_kbps", "paused", "first_chunk_checksum", "created_at",
				}).
					AddRow("f1.txt", "a.txt", int64(10), "/up/c1/f1.txt", int64(3), nil, false, "", created).
					AddRow("f2.bin", "b.bin", int64(20), "/up/c1/f2.bin", int64(0), int64(64), true, "abc", created))

			state, err := store.GetState(ctx, "c1")
			Expect(err).ToNot(HaveOccurred())
			Expect(state.ClientID).To(Equal("c1"))
			Expect(state.Records).To(HaveLen(2))
			Expect(state.Records["f1.txt"]).To(And(
				HaveField("Size", int64(10)),
				HaveField("ValidatedBytes", int64(3)),
				HaveField("RateKBps", BeNil()),
			))
			Expect(state.Records["f2.bin"].RateKBps).To(HaveValue(Equal(int64(64))))
			Expect(state.Records["f2.bin"].FirstChunkChecksum).To(Equal("abc"))
			Expect(state.Records["f2.bin"].Paused).To(BeTrue())
			Expect(state.Records["f1.txt"].Paused).To(BeFalse())
		}, NodeTimeout(10*time.Second))

		It("should wrap query errors", func(ctx context.Context) {
			mock.ExpectQuery(`SELECT 1 FROM upload_clients`).
				WithArgs("c1").
				WillReturnError(errors.New("boom"))
			_, err := store.GetState(ctx, "c1")
			Expect(err).To(MatchError(ContainSubstring("db error: boom")))
		}, NodeTimeout(10*time.Second))
	})

	Describe("Persist", func() {
		It("should replace the records in one transaction", func(ctx context.Context) {
			rec := upstatetest.RecordFactory(func(rec *upstate.Record) {
				rec.RateKBps = lo.ToPtr(int64(20))
				rec.Paused = true
			})
			state := upstate.NewState("c1")
			state.Put(rec)

			mock.ExpectBegin()
			mock.ExpectExec(`(?s)INSERT INTO upload_clients.*ON CONFLICT \(client_id\) DO UPDATE`).
				WithArgs("c1", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`DELETE FROM upload_records WHERE client_id = \$1`).
				WithArgs("c1").
				WillReturnResult(sqlmock.NewResult(0, 2))
			mock.ExpectExec(`(?s)INSERT INTO upload_records`).
				WithArgs("c1", rec.ID, rec.OriginalName, rec.Size, rec.Path,
					rec.ValidatedBytes, int64(20), true, rec.FirstChunkChecksum, rec.CreatedAt).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			Expect(store.Persist(ctx, "c1", state)).To(Succeed())
		}, NodeTimeout(10*time.Second))

		It("should rollback on failure", func(ctx context.Context) {
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO upload_clients`).
				WillReturnError(errors.New("disk full"))
			mock.ExpectRollback()

			err := store.Persist(ctx, "c1", upstate.NewState("c1"))
			Expect(err).To(MatchError(ContainSubstring("disk full")))
		}, NodeTimeout(10*time.Second))
	})

	Describe("DeleteAll", func() {
		It("should delete the client row", func(ctx context.Context) {
			mock.ExpectExec(`DELETE FROM upload_clients WHERE client_id = \$1`).
				WithArgs("c1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			Expect(store.DeleteAll(ctx, "c1")).To(Succeed())
		}, NodeTimeout(10*time.Second))
	})

	Describe("RunMigrations", func() {
		It("should run goose against the embedded migrations", func(ctx context.Context) {
			orig := gooseUpContext
			DeferCleanup(func() { gooseUpContext = orig })

			var called bool
			gooseUpContext = func(_ context.Context, got *sql.DB, dir string, _ ...goose.OptionsFunc) error {
				called = true
				Expect(got).To(BeIdenticalTo(db))
				Expect(dir).To(Equal("."))
				return nil
			}
			Expect(store.RunMigrations(ctx)).To(Succeed())
			Expect(called).To(BeTrue())
		}, NodeTimeout(10*time.Second))

		It("should wrap migration errors", func(ctx context.Context) {
			orig := gooseUpContext
			DeferCleanup(func() { gooseUpContext = orig })
			gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
				return errors.New("bad sql")
			}
			Expect(store.RunMigrations(ctx)).To(MatchError(ContainSubstring("run migrations: bad sql")))
		}, NodeTimeout(10*time.Second))
	})

	It("should close the database", func() {
		mock.ExpectClose()
		store.Close()
	})
})
