package database

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestConnectRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := ConnectRedis("redis://"+mr.Addr(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = ConnectRedis("redis://"+mr.Addr()+"/not-a-db", zerolog.Nop())
	require.Error(t, err)
}

func TestConnectRedisDisabledWithoutURL(t *testing.T) {
	client, err := ConnectRedis("", zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, client)
}

func TestConnectNATSDisabledWithoutURL(t *testing.T) {
	conn, err := ConnectNATS("", "gema-grader", zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migrate?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	require.True(t, db.Migrator().HasTable("grading_records"))

	_, err = ConnectPostgres("")
	require.Error(t, err)
}
