package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type txRow struct {
	ID   uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name string    `gorm:"column:name"`
}

func (txRow) TableName() string { return "tx_rows" }

func newTestClient(t *testing.T) (*Client, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&txRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewWithConn(conn), conn
}

func TestWithTxCommits(t *testing.T) {
	client, conn := newTestClient(t)

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&txRow{ID: uuid.New(), Name: "kept"}).Error
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}

	var count int64
	if err := conn.Model(&txRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected committed row, got %d", count)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	client, conn := newTestClient(t)
	boom := errors.New("abort")

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&txRow{ID: uuid.New(), Name: "discarded"}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	var count int64
	if err := conn.Model(&txRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, got %d rows", count)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	client, conn := newTestClient(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&txRow{ID: uuid.New(), Name: "discarded"}).Error; err != nil {
				return err
			}
			panic("boom")
		})
	}()

	var count int64
	if err := conn.Model(&txRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback after panic, got %d rows", count)
	}
}

func TestPing(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
