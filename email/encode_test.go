package email

import (
	"encoding/base64"
	"mime"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeader_ASCIIIsIdentity(t *testing.T) {
	if err := quick.Check(func(b []byte) bool {
		// Fold arbitrary bytes into the printable ASCII range
		for i := range b {
			b[i] = 0x20 + b[i]%95
		}
		return EncodeHeader(string(b)) == string(b)
	}, &quick.Config{
		MaxCount: 10000,
	}); err != nil {
		t.Error(err)
	}
}

func TestEncodeHeader_NonASCIIRoundTrip(t *testing.T) {
	if err := quick.Check(func(s string, pos uint8, c byte) bool {
		// Make sure there's at least one byte outside 0x20-0x7E
		if c >= 0x20 && c <= 0x7e {
			c = 0x80 + c%0x20
		}
		b := []byte(s)
		i := 0
		if len(b) > 0 {
			i = int(pos) % len(b)
		}
		b = append(b[:i], append([]byte{c}, b[i:]...)...)

		enc := EncodeHeader(string(b))
		if !strings.HasPrefix(enc, "=?UTF-8?B?") || !strings.HasSuffix(enc, "?=") {
			return false
		}
		payload := strings.TrimSuffix(strings.TrimPrefix(enc, "=?UTF-8?B?"), "?=")
		dec, err := base64.StdEncoding.DecodeString(payload)
		return err == nil && string(dec) == string(b)
	}, &quick.Config{
		MaxCount: 10000,
	}); err != nil {
		t.Error(err)
	}
}

func TestEncodeHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "accented display name",
			input: "José Ramírez",
			want:  "=?UTF-8?B?Sm9zw6kgUmFtw61yZXo=?=",
		},
		{
			name:  "plain subject",
			input: "New Demo Request - School - Ann",
			want:  "New Demo Request - School - Ann",
		},
		{
			name:  "tab is outside the printable range",
			input: "a\tb",
			want:  "=?UTF-8?B?YQli?=",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeHeader(tt.input))
		})
	}

	// A standard decoder must recover the original text
	dec, err := new(mime.WordDecoder).Decode(EncodeHeader("José Ramírez"))
	require.NoError(t, err)
	assert.Equal(t, "José Ramírez", dec)
}

func TestFormatAddress(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"", "a@example.com", "<a@example.com>"},
		{"Ann Lee", "a@example.com", "Ann Lee <a@example.com>"},
		{"Lee, Ann", "a@example.com", `"Lee, Ann" <a@example.com>`},
		{`Ann "the" Lee`, "a@example.com", `"Ann \"the\" Lee" <a@example.com>`},
		{"José", "j@example.com", "=?UTF-8?B?Sm9zw6k=?= <j@example.com>"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatAddress(tt.name, tt.addr))
		})
	}
}

func TestWrapBase64(t *testing.T) {
	for _, n := range []int{0, 1, 56, 57, 58, 114, 1000} {
		b := []byte(strings.Repeat("x", n))
		w := wrapBase64(b)

		if n == 0 {
			assert.Empty(t, w)
			continue
		}
		require.True(t, strings.HasSuffix(w, "\r\n"))
		lines := strings.Split(strings.TrimSuffix(w, "\r\n"), "\r\n")
		for i, l := range lines {
			assert.LessOrEqual(t, len(l), base64LineLen)
			if i < len(lines)-1 {
				assert.Equal(t, base64LineLen, len(l), "only the last line may be short")
			}
		}

		dec, err := base64.StdEncoding.DecodeString(strings.Join(lines, ""))
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "inline markup",
			html: "<p>Hi <b>there</b></p>",
			want: "Hi there",
		},
		{
			name: "entities are decoded",
			html: "<p>Parks &amp; Recreation</p>",
			want: "Parks & Recreation",
		},
		{
			name: "style and head content is dropped",
			html: `<!DOCTYPE html>
<html>
<head>
    <title>ignored</title>
    <style>
        body { color: #333; }
    </style>
</head>
<body>
    <div>
        <h1>New Demo Request</h1>


        <p>From Ann</p>
    </div>
    <script>alert(1)</script>
</body>
</html>`,
			want: "New Demo Request\n\nFrom Ann",
		},
		{
			name: "no markup at all",
			html: "just text",
			want: "just text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.html))
		})
	}
}
