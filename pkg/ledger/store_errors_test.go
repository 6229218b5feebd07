package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agritrace/provenance/pkg/provenance"
)

// newMockStore opens the store over a sqlmock connection so driver
// failures can be injected deterministically.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewStore(db), mock
}

func TestStore_ScanDriverFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM `ledger_events`").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Scan(context.Background(), Filter{BatchID: "b1"})
	require.Error(t, err)
	assert.Equal(t, provenance.KindNetwork, provenance.ErrKind(err))
	assert.Equal(t, provenance.CodeLedgerUnavailable, provenance.ErrCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendDriverFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `ledger_events`").
		WillReturnError(errors.New("server has gone away"))
	mock.ExpectRollback()

	step := &provenance.ProvenanceStep{BatchID: "b1", Actor: "farm-a", State: provenance.StateProduced, Timestamp: time.Now()}
	_, err := store.Append(context.Background(), NewStepEvent(step))
	require.Error(t, err)
	assert.Equal(t, provenance.CodeLedgerUnavailable, provenance.ErrCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendFencedHeadLookupFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `ledger_events`").
		WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	step := &provenance.ProvenanceStep{BatchID: "b1", Actor: "farm-a", State: provenance.StateProduced, Timestamp: time.Now()}
	_, err := store.AppendFenced(context.Background(), NewStepEvent(step), 0)
	require.Error(t, err)
	assert.Equal(t, provenance.CodeLedgerUnavailable, provenance.ErrCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
