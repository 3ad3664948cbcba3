package smtp

import (
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"both set", "user", "pass", true},
		{"username only", "user", "", false},
		{"password only", "", "pass", false},
		{"neither", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NewAuthenticator(tt.username, tt.password).Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("app", "s3cret")
	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid", "app", "s3cret", false},
		{"wrong password", "app", "nope", true},
		{"wrong username", "other", "s3cret", true},
		{"password prefix", "app", "s3cre", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.Verify(tt.username, tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify(%q, %q): got err=%v, wantErr %v", tt.username, tt.password, err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator_DisabledRejectsEverything(t *testing.T) {
	t.Parallel()

	if err := NewAuthenticator("", "").Verify("", ""); err == nil {
		t.Error("disabled authenticator accepted empty credentials")
	}
}

func TestAuthenticator_PlainServer(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("app", "s3cret")

	var got string
	srv := auth.plainServer(func(username string) { got = username })
	if _, done, err := srv.Next([]byte("\x00app\x00s3cret")); err != nil || !done {
		t.Fatalf("Next: done=%v err=%v", done, err)
	}
	if got != "app" {
		t.Errorf("authenticated user: got %q, want %q", got, "app")
	}

	srv = auth.plainServer(func(string) { t.Error("callback ran for bad credentials") })
	if _, _, err := srv.Next([]byte("\x00app\x00wrong")); err == nil {
		t.Error("expected error for wrong password")
	}

	srv = auth.plainServer(func(string) { t.Error("callback ran for mismatched identity") })
	if _, _, err := srv.Next([]byte("admin\x00app\x00s3cret")); err == nil {
		t.Error("expected error when authorization identity differs")
	}
}
