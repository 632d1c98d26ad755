package dbsource

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/OCAP2/mapsync/internal/marker"
	"github.com/OCAP2/mapsync/internal/observer"
	"github.com/OCAP2/mapsync/pkg/core"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "markers.db")})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(DBConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unknown db driver")
}

func TestOpen_MigratesTable(t *testing.T) {
	db := openTestDB(t)
	assert.True(t, db.Migrator().HasTable("map_markers"))
}

func TestMarkerRow_Spec(t *testing.T) {
	row := MarkerRow{
		Key:        "truck",
		Variant:    string(marker.VariantAsset),
		AssetID:    "a-1",
		Lng:        4,
		Lat:        51,
		Visible:    true,
		Properties: datatypes.JSON(`{"radius": 30, "interactive": false}`),
	}
	spec, err := row.Spec()
	require.NoError(t, err)
	assert.Equal(t, "truck", spec.Key)
	assert.Equal(t, marker.VariantAsset, spec.Variant)
	assert.Equal(t, core.Properties{core.PropRadius: 30.0, core.PropInteractive: false}, spec.Extra)

	row.Properties = datatypes.JSON(`not json`)
	spec, err = row.Spec()
	assert.Error(t, err)
	assert.Equal(t, "truck", spec.Key, "row is kept without extras")
	assert.Nil(t, spec.Extra)
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestPoll_DiffsRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&[]MarkerRow{
		{Key: "hq", Lng: 5, Lat: 52, Visible: true},
		{Key: "depot", Lng: 3, Lat: 50, Visible: true},
	}).Error)

	src, err := New(ctx, Config{DB: db})
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	hq, ok := src.Marker("hq")
	require.True(t, ok)
	var changed []string
	hq.Bind("test", func(c core.MarkerChanged) { changed = append(changed, c.Property) })

	var batches []observer.Batch
	stop := src.Observe(func(b observer.Batch) { batches = append(batches, b) })
	defer stop()

	require.NoError(t, db.Model(&MarkerRow{}).Where(&MarkerRow{Key: "hq"}).Update("color", "red").Error)
	require.NoError(t, db.Where(&MarkerRow{Key: "depot"}).Delete(&MarkerRow{}).Error)
	require.NoError(t, db.Create(&MarkerRow{Key: "camp", Lng: 1, Lat: 1, Visible: true}).Error)

	require.NoError(t, src.Poll(ctx))

	assert.Equal(t, []string{core.PropColor}, changed)
	require.Len(t, batches, 2)
	require.Len(t, batches[1].Added, 1)
	require.Len(t, batches[1].Removed, 1)
	camp, _ := src.Marker("camp")
	assert.Equal(t, camp.NodeID(), batches[1].Added[0].NodeID())
}

func TestStart_PollsUntilStopped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	src, err := New(ctx, Config{DB: db, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	var mu sync.Mutex
	var added int
	stop := src.Observe(func(b observer.Batch) {
		mu.Lock()
		added += len(b.Added)
		mu.Unlock()
	})
	defer stop()

	src.Start()
	src.Start()
	require.NoError(t, db.Create(&MarkerRow{Key: "hq", Visible: true}).Error)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return added == 1
	}, 2*time.Second, 10*time.Millisecond)

	src.Stop()
	src.Stop()
}
