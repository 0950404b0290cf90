package tests

import (
	"net/http"
	"testing"
	"time"

	"claas/hub/schema"
	"claas/hub/storage"
)

func TestPretrainedExport(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	res, err := client.createResource("main", "deployments", "baseline", map[string]interface{}{
		"name": "PretrainedExport", "path": "exports",
		"arch": "SimpleMLP", "input_size": 784, "num_classes": 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != schema.TypeDeployment {
		t.Fatalf("invalid deployment info %v", res)
	}

	path := storage.DeployedModelPath("abc", "main", "exports", "baseline")
	exists, err := env.storage.Exists(path)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatalf("deployed model not found at %v", path)
	}

	// Deleting the deployment removes the exported model.
	if err := client.deleteResource("main", "deployments", "baseline"); err != nil {
		t.Fatal(err)
	}
	exists, err = env.storage.Exists(path)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("deployed model should be removed with the deployment")
	}
}

func TestExperimentExport(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	// Exporting an experiment that has never run fails.
	_, err = client.createResource("main", "deployments", "export", map[string]interface{}{
		"name": "ExperimentExport", "path": "exports", "experiment": "exp",
	})
	if statusOf(err) != http.StatusLocked {
		t.Fatalf("export of unrun experiment should fail with 423, got %v", err)
	}

	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.startExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := waitForStatus(&client, "main", "exp", schema.ExpEnded, 60*time.Second); err != nil {
		t.Fatal(err)
	}

	if _, err := client.createResource("main", "deployments", "export", map[string]interface{}{
		"name": "ExperimentExport", "path": "exports", "experiment": "exp",
	}); err != nil {
		t.Fatal(err)
	}

	exists, err := env.storage.Exists(storage.DeployedModelPath("abc", "main", "exports", "export"))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("exported experiment model not found")
	}

	// Exports of executions that do not exist fail.
	_, err = client.createResource("main", "deployments", "bad", map[string]interface{}{
		"name": "ExperimentExport", "path": "exports", "experiment": "exp", "exec_id": 9,
	})
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("export of missing execution should fail with 404, got %v", err)
	}
}

func TestPredict(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	// Predictions require a completed execution.
	_, err = client.predict("main", "exp", 1, "", map[string][]byte{"x.png": grayPng(t, 50)})
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("predict without executions should fail with 404, got %v", err)
	}

	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.startExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := waitForStatus(&client, "main", "exp", schema.ExpEnded, 60*time.Second); err != nil {
		t.Fatal(err)
	}

	info := `{"channels": 1, "transform": {"name": "ToTensor"}}`
	predictions, err := client.predict("main", "exp", 1, info, map[string][]byte{
		"a.png": grayPng(t, 30),
		"b.png": grayPng(t, 200),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(predictions) != 2 {
		t.Fatalf("expected 2 predictions, got %v", predictions)
	}
	for name, class := range predictions {
		if class < 0 || class >= 10 {
			t.Fatalf("prediction for %v out of range: %d", name, class)
		}
	}

	_, err = client.predict("main", "exp", 7, info, map[string][]byte{"x.png": grayPng(t, 50)})
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("predict on missing execution should fail with 404, got %v", err)
	}

	// A file the image decoder rejects fails the request.
	_, err = client.predict("main", "exp", 1, info, map[string][]byte{"junk.png": []byte("not an image")})
	if statusOf(err) != http.StatusBadRequest {
		t.Fatalf("undecodable upload should fail with 400, got %v", err)
	}
}

func TestLockContention(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.createResource("main", "benchmarks", "bench", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	}); err != nil {
		t.Fatal(err)
	}

	var res schema.ResourceConfig
	if err := env.db.First(&res, "name = ?", "bench").Error; err != nil {
		t.Fatal(err)
	}

	// A held read lock blocks deletion, which needs the write lock.
	locks := schema.NewLockSet(env.db)
	if err := locks.ReadLock(res.LockRef()); err != nil {
		t.Fatal(err)
	}

	err = client.deleteResource("main", "benchmarks", "bench")
	if statusOf(err) != http.StatusLocked {
		t.Fatalf("delete of read-locked resource should fail with 423, got %v", err)
	}

	locks.Release()

	if err := client.deleteResource("main", "benchmarks", "bench"); err != nil {
		t.Fatal(err)
	}
}

func TestWorkspaceLockBlocksCreates(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	var ws schema.Workspace
	if err := env.db.First(&ws, "name = ?", "main").Error; err != nil {
		t.Fatal(err)
	}

	// Creating a resource read-locks its workspace, so a held write lock
	// turns creates away.
	locks := schema.NewLockSet(env.db)
	if err := locks.WriteLock(ws.LockRef()); err != nil {
		t.Fatal(err)
	}

	_, err = client.createResource("main", "benchmarks", "bench", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	})
	if statusOf(err) != http.StatusLocked {
		t.Fatalf("create in write-locked workspace should fail with 423, got %v", err)
	}

	locks.Release()

	if _, err := client.createResource("main", "benchmarks", "bench", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDeploymentRename(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	if _, err := client.createResource("main", "deployments", "baseline", map[string]interface{}{
		"name": "PretrainedExport", "path": "exports",
		"arch": "SimpleMLP", "input_size": 784, "num_classes": 10,
	}); err != nil {
		t.Fatal(err)
	}

	oldPath := storage.DeployedModelPath("abc", "main", "exports", "baseline")
	newPath := storage.DeployedModelPath("abc", "main", "exports", "rolling")

	// Renaming the deployment moves its exported artifact.
	info, err := client.updateResource("main", "deployments", "baseline", map[string]interface{}{"new_name": "rolling"})
	if err != nil {
		t.Fatal(err)
	}
	if info.Urn != "deployment:abc:main:rolling" {
		t.Fatalf("rename did not update urn: %v", info.Urn)
	}

	exists, err := env.storage.Exists(oldPath)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatalf("old artifact still present at %v", oldPath)
	}
	exists, err = env.storage.Exists(newPath)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatalf("renamed artifact not found at %v", newPath)
	}

	// Deleting under the new name removes the moved artifact.
	if err := client.deleteResource("main", "deployments", "rolling"); err != nil {
		t.Fatal(err)
	}
	exists, err = env.storage.Exists(newPath)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("artifact should be removed with the deployment")
	}
}
