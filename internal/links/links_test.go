package links

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestExtractPlainText(t *testing.T) {
	raw := `vless://abc@host:8443?type=tcp#eu1

some human readable note
trojan://def@host:9443?type=tcp#eu2
`
	got, err := Extract(raw)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := []string{
		"vless://abc@host:8443?type=tcp#eu1",
		"trojan://def@host:9443?type=tcp#eu2",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract() = %v, want %v", got, want)
	}
}

func TestExtractBase64(t *testing.T) {
	body := "vless://abc@host:8443?type=tcp#eu1\nvless://def@host:8443?type=tcp#eu2"

	tests := []struct {
		name string
		raw  string
	}{
		{"standard padded", base64.StdEncoding.EncodeToString([]byte(body))},
		{"standard unpadded", strings.TrimRight(base64.StdEncoding.EncodeToString([]byte(body)), "=")},
		{"url encoding", base64.URLEncoding.EncodeToString([]byte(body))},
		{"wrapped across lines", wrapAt(base64.StdEncoding.EncodeToString([]byte(body)), 16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.raw)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Extract() returned %d links, want 2", len(got))
			}
			if got[0] != "vless://abc@host:8443?type=tcp#eu1" {
				t.Errorf("first link = %q", got[0])
			}
		})
	}
}

func wrapAt(s string, width int) string {
	var b strings.Builder
	for i := 0; i < len(s); i += width {
		end := i + width
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		b.WriteString("\n")
	}
	return b.String()
}

func TestExtractDeduplicates(t *testing.T) {
	raw := strings.Join([]string{
		"vless://abc@host:8443#eu1",
		"vless://def@host:8443#eu2",
		"vless://abc@host:8443#eu1",
	}, "\n")

	got, err := Extract(raw)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := []string{
		"vless://abc@host:8443#eu1",
		"vless://def@host:8443#eu2",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract() = %v, want %v (dedupe keeps first occurrence)", got, want)
	}
}

func TestExtractEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\n\t"} {
		if _, err := Extract(raw); !errors.Is(err, ErrEmptySubscription) {
			t.Errorf("Extract(%q) error = %v, want ErrEmptySubscription", raw, err)
		}
	}
}

func TestExtractNoLinks(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain text without schemes", "maintenance window tonight\nno configs here"},
		{"base64 of plain text", base64.StdEncoding.EncodeToString([]byte("just a note"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Extract(tt.raw); !errors.Is(err, ErrNoLinks) {
				t.Errorf("Extract() error = %v, want ErrNoLinks", err)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	five := []string{"a://1", "b://2", "c://3", "d://4", "e://5"}

	tests := []struct {
		name  string
		links []string
		size  int
		want  []string
	}{
		{
			name:  "splits into even chunks",
			links: five,
			size:  2,
			want:  []string{"a://1\nb://2", "c://3\nd://4", "e://5"},
		},
		{
			name:  "single chunk when size covers all",
			links: five,
			size:  20,
			want:  []string{"a://1\nb://2\nc://3\nd://4\ne://5"},
		},
		{
			name:  "size below one clamps to one",
			links: []string{"a://1", "b://2"},
			size:  0,
			want:  []string{"a://1", "b://2"},
		},
		{
			name:  "no links",
			links: nil,
			size:  5,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.links, tt.size)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Chunk() = %v, want %v", got, tt.want)
			}
		})
	}
}
