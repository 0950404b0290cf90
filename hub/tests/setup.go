package tests

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"claas/hub/schema"
	"claas/hub/services"
	"claas/hub/storage"
	"claas/hub/worker"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	hub     services.Hub
	api     chi.Router
	db      *gorm.DB
	storage storage.Storage
}

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.Workspace{}, &schema.ResourceConfig{},
		&schema.Execution{}, &schema.RepoFile{}, &schema.JobLog{},
	)
	if err != nil {
		t.Fatal(err)
	}

	storagePath := filepath.Join(t.TempDir(), "storage")
	err = os.MkdirAll(storagePath, 0777)
	if err != nil {
		t.Fatalf("error creating storage directory: %v", err)
	}

	store := storage.NewSharedDisk(storagePath)

	pool := worker.NewPool(2, 8)

	hub := services.NewHub(
		db, store, []byte("290zcv02ai249"), time.Hour, pool, services.NewMailer("", ""),
	)
	t.Cleanup(hub.Stop)

	return &testEnv{hub: hub, api: hub.Routes(), db: db, storage: store}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

// newUser registers and logs in a fresh user, returning a client
// authenticated as them.
func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		return c, err
	}
	if err := c.login(login); err != nil {
		return c, err
	}
	return c, nil
}

// waitForStatus polls the experiment status endpoint until the experiment
// reaches the wanted state or the deadline passes.
func waitForStatus(c *client, workspace, experiment, wanted string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.experimentStatus(workspace, experiment)
		if err != nil {
			return nil, err
		}
		if status["status"] == wanted {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, errTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}
