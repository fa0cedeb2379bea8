package gitops

import (
	"strings"
	"testing"
)

func TestPushCredentialHelperHasNoSecrets(t *testing.T) {
	// The helper string git receives is fixed: credentials only ever travel
	// through the environment, never through argv.
	if strings.ContainsAny(pushCredentialHelper, "%") {
		t.Fatalf("helper must not encode values itself: %q", pushCredentialHelper)
	}
	for _, want := range []string{"$" + pushUserEnv, "$" + pushTokenEnv} {
		if !strings.Contains(pushCredentialHelper, want) {
			t.Fatalf("helper %q missing %s expansion", pushCredentialHelper, want)
		}
	}

	creds := Credentials{Username: "x-access-token", Token: "ghp_s3cret; rm -rf /"}
	if strings.Contains(pushCredentialHelper, creds.Token) {
		t.Fatal("token leaked into helper string")
	}
}

func TestPushEnvCarriesRawCredentials(t *testing.T) {
	// git's credential protocol takes values raw, so no escaping may be
	// applied on the way in.
	creds := Credentials{Username: "x-access-token", Token: "tok with spaces & $chars"}
	env := pushEnv(creds)
	if len(env) != 2 {
		t.Fatalf("pushEnv returned %d entries", len(env))
	}
	if env[0] != pushUserEnv+"=x-access-token" {
		t.Fatalf("user entry = %q", env[0])
	}
	if env[1] != pushTokenEnv+"=tok with spaces & $chars" {
		t.Fatalf("token entry = %q", env[1])
	}
}
