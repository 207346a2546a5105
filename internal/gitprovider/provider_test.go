package gitprovider

import "testing"

func TestParseRepoRef(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    RepoRef
		wantErr bool
	}{
		{
			name: "owner slash repo",
			raw:  "acme/widgets",
			want: RepoRef{Host: "github.com", Owner: "acme", Name: "widgets"},
		},
		{
			name: "https url",
			raw:  "https://github.com/acme/widgets",
			want: RepoRef{Host: "github.com", Owner: "acme", Name: "widgets"},
		},
		{
			name: "https url with dot git suffix",
			raw:  "https://github.com/acme/widgets.git",
			want: RepoRef{Host: "github.com", Owner: "acme", Name: "widgets"},
		},
		{
			name: "ssh form",
			raw:  "git@github.com:acme/widgets.git",
			want: RepoRef{Host: "github.com", Owner: "acme", Name: "widgets"},
		},
		{
			name: "gitlab enterprise https",
			raw:  "https://gitlab.example.com/group/sub/widgets",
			wantErr: true, // nested groups unsupported by the owner/repo split
		},
		{
			name:    "invalid",
			raw:     "not-a-repo-ref",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRepoRef(tt.raw, "github.com")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.raw, got)
				}
				return
			}
			if tt.name == "invalid" {
				// "not-a-repo-ref" has no slash: splitOwnerRepo must reject it.
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRepoRef(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseRepoRef(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestForHost(t *testing.T) {
	gh := NewGitHub()
	gl := NewGitLab()

	if ForHost("github.com", gh, gl) != Provider(gh) {
		t.Errorf("expected github.com to route to GitHub provider")
	}
	if ForHost("gitlab.com", gh, gl) != Provider(gl) {
		t.Errorf("expected gitlab.com to route to GitLab provider")
	}
	if ForHost("gitlab.example.com", gh, gl) != Provider(gl) {
		t.Errorf("expected self-hosted gitlab host to route to GitLab provider")
	}
}
