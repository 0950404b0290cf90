package tests

import (
	"net/http"
	"testing"

	"claas/hub/schema"
)

func TestWorkspaceLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	ws, err := client.createWorkspace("main")
	if err != nil {
		t.Fatal(err)
	}
	if ws.Name != "main" || ws.Owner != "abc" || ws.Status != schema.WorkspaceOpen {
		t.Fatalf("invalid workspace info %v", ws)
	}

	_, err = client.createWorkspace("main")
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("duplicate workspace should fail with 409, got %v", err)
	}

	_, err = client.createWorkspace("bad name")
	if statusOf(err) != http.StatusBadRequest {
		t.Fatalf("invalid workspace name should fail with 400, got %v", err)
	}

	if _, err := client.createWorkspace("other"); err != nil {
		t.Fatal(err)
	}

	workspaces, err := client.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 2 || workspaces[0].Name != "main" || workspaces[1].Name != "other" {
		t.Fatalf("invalid workspace list %v", workspaces)
	}

	// An OPEN workspace cannot be deleted.
	err = client.deleteWorkspace("main")
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("deleting an open workspace should fail with 409, got %v", err)
	}

	if err := client.setWorkspaceStatus("main", schema.WorkspaceClosed); err != nil {
		t.Fatal(err)
	}
	if err := client.deleteWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	err = client.deleteWorkspace("main")
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("double delete should fail with 404, got %v", err)
	}

	workspaces, err = client.listWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(workspaces) != 1 || workspaces[0].Name != "other" {
		t.Fatalf("invalid workspace list after delete %v", workspaces)
	}
}

func TestWorkspaceStatusValidation(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	err = client.setWorkspaceStatus("main", "PAUSED")
	if statusOf(err) != http.StatusBadRequest {
		t.Fatalf("invalid status should fail with 400, got %v", err)
	}
}

func TestWorkspaceRenameRewritesUrns(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	res, err := client.createResource("main", "benchmarks", "bench", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Urn != "benchmark:abc:main:bench" {
		t.Fatalf("unexpected urn %v", res.Urn)
	}

	if err := client.renameWorkspace("main", "renamed"); err != nil {
		t.Fatal(err)
	}

	res, err = client.getResource("renamed", "benchmarks", "bench")
	if err != nil {
		t.Fatal(err)
	}
	if res.Urn != "benchmark:abc:renamed:bench" {
		t.Fatalf("urn not rewritten on rename: %v", res.Urn)
	}

	_, err = client.getResource("main", "benchmarks", "bench")
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("old workspace name should be gone, got %v", err)
	}
}

func TestWorkspaceDeleteCascadesResources(t *testing.T) {
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
	if _, err := client.createResource("main", "models", "mlp", map[string]interface{}{
		"name": "SimpleMLP", "input_size": 784, "num_classes": 10, "hidden_size": 32,
	}); err != nil {
		t.Fatal(err)
	}

	if err := client.setWorkspaceStatus("main", schema.WorkspaceClosed); err != nil {
		t.Fatal(err)
	}
	if err := client.deleteWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	var count int64
	if err := env.db.Model(&schema.ResourceConfig{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no resources after workspace delete, found %d", count)
	}
}

func TestClosedWorkspaceIsReadOnly(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())
	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}

	err = client.Post(client.workspaces("main", "data")).Json(map[string]string{"name": "repo"}).Do(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createResource("main", "benchmarks", "spare", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	}); err != nil {
		t.Fatal(err)
	}

	if err := client.setWorkspaceStatus("main", schema.WorkspaceClosed); err != nil {
		t.Fatal(err)
	}

	// Every mutation of contained resources is refused while CLOSED.
	_, err = client.createResource("main", "benchmarks", "late", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	})
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("create in a closed workspace should fail with 409, got %v", err)
	}

	_, err = client.updateResource("main", "benchmarks", "spare", map[string]interface{}{"description": "late edit"})
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("update in a closed workspace should fail with 409, got %v", err)
	}

	if err := client.setupExperiment("main", "exp"); statusOf(err) != http.StatusConflict {
		t.Fatalf("setup in a closed workspace should fail with 409, got %v", err)
	}
	if _, err := client.startExperiment("main", "exp"); statusOf(err) != http.StatusConflict {
		t.Fatalf("start in a closed workspace should fail with 409, got %v", err)
	}

	_, err = client.sendFiles("main", "repo",
		map[string]string{"label": "x"},
		map[string][]byte{"x.png": grayPng(t, 10)},
	)
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("upload to a closed workspace should fail with 409, got %v", err)
	}
	err = client.Post(client.workspaces("main", "data", "repo", "folders", "sub")).Do(nil)
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("folder create in a closed workspace should fail with 409, got %v", err)
	}

	// Reads and resource deletion still work.
	if _, err := client.getResource("main", "benchmarks", "spare"); err != nil {
		t.Fatal(err)
	}
	if err := client.deleteResource("main", "benchmarks", "spare"); err != nil {
		t.Fatal(err)
	}

	// Reopening lifts the guard.
	if err := client.setWorkspaceStatus("main", schema.WorkspaceOpen); err != nil {
		t.Fatal(err)
	}
	if _, err := client.createResource("main", "benchmarks", "late", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	}); err != nil {
		t.Fatal(err)
	}
}
