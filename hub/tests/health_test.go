package tests

import "testing"

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}

	var res map[string]interface{}
	if err := client.Get("/health").Do(&res); err != nil {
		t.Fatal(err)
	}
	if res["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", res)
	}
	if res["active_runs"] != float64(0) {
		t.Fatalf("expected no active runs in health payload, got %v", res)
	}
}
