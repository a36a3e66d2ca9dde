package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	iauth "github.com/statlerhq/backplane/internal/auth"
	"github.com/statlerhq/backplane/internal/database/testutil"
	"github.com/statlerhq/backplane/internal/models"
)

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	current := time.Unix(1_700_000_000, 0).UTC()
	keys, err := iauth.NewAPIKeyService(db, func() time.Time { return current })
	require.NoError(t, err)

	user := &models.User{Email: "a@b.c", PasswordHash: "x", Roles: []string{iauth.RoleUser}, IsActive: true}
	require.NoError(t, db.Create(user).Error)

	soon := current.Add(time.Minute)
	_, err = keys.Create(context.Background(), user.ID, "expiring", &soon)
	require.NoError(t, err)
	_, err = keys.Create(context.Background(), user.ID, "forever", nil)
	require.NoError(t, err)

	cleaner := NewCleaner(keys)
	require.EqualValues(t, 0, cleaner.RunOnce(context.Background()))

	current = current.Add(2 * time.Minute)
	require.EqualValues(t, 1, cleaner.RunOnce(context.Background()))

	var remaining int64
	require.NoError(t, db.Model(&models.APIKey{}).Count(&remaining).Error)
	require.EqualValues(t, 1, remaining)
}

func TestCleanerStartStop(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	keys, err := iauth.NewAPIKeyService(db, time.Now)
	require.NoError(t, err)

	cleaner := NewCleaner(keys,
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
		WithKeySchedule("@every 1h"),
	)

	require.NoError(t, cleaner.Start())
	<-cleaner.Stop().Done()
}

func TestCleanerNilServiceIsNoop(t *testing.T) {
	cleaner := NewCleaner(nil)
	require.NoError(t, cleaner.Start())
	require.EqualValues(t, 0, cleaner.RunOnce(context.Background()))
	<-cleaner.Stop().Done()
}

func TestCleanerRejectsBadSchedule(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	keys, err := iauth.NewAPIKeyService(db, time.Now)
	require.NoError(t, err)

	cleaner := NewCleaner(keys, WithKeySchedule("not-a-spec"))
	require.Error(t, cleaner.Start())
}
