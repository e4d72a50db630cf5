package email

import (
	"net/textproto"
	"testing"

	"github.com/jhillyerd/enmime"
)

func textPart(ctype, body string) *enmime.Part {
	return &enmime.Part{ContentType: ctype, Content: []byte(body)}
}

func multipart(ctype string, children ...*enmime.Part) *enmime.Part {
	mp := &enmime.Part{ContentType: ctype}
	for i, child := range children {
		if i == 0 {
			mp.FirstChild = child
		} else {
			children[i-1].NextSibling = child
		}
	}
	return mp
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		root *enmime.Part
		want string
	}{
		{
			name: "nil tree",
			root: nil,
			want: "",
		},
		{
			name: "bare html body",
			root: textPart("text/html", "<p>hi</p>"),
			want: "<p>hi</p>",
		},
		{
			name: "bare plain body is preformatted and escaped",
			root: textPart("text/plain", "a < b"),
			want: "<pre>a &lt; b</pre>",
		},
		{
			name: "alternative html after plain wins",
			root: multipart("multipart/alternative",
				textPart("text/plain", "plain"),
				textPart("text/html", "<b>html</b>"),
			),
			want: "<b>html</b>",
		},
		{
			name: "plain never overrides html",
			root: multipart("multipart/alternative",
				textPart("text/html", "<b>html</b>"),
				textPart("text/plain", "plain"),
			),
			want: "<b>html</b>",
		},
		{
			name: "first plain wins over later plain",
			root: multipart("multipart/mixed",
				textPart("text/plain", "first"),
				textPart("text/plain", "second"),
			),
			want: "<pre>first</pre>",
		},
		{
			name: "nested multipart replaces running result",
			root: multipart("multipart/mixed",
				textPart("text/html", "<b>outer</b>"),
				multipart("multipart/alternative",
					textPart("text/plain", "inner"),
				),
			),
			want: "<pre>inner</pre>",
		},
		{
			name: "non-text parts are skipped",
			root: multipart("multipart/mixed",
				&enmime.Part{ContentType: "image/png", Content: []byte{1, 2}},
				textPart("text/html", "<i>body</i>"),
			),
			want: "<i>body</i>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractContent(tt.root)
			if got != tt.want {
				t.Errorf("extractContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractContentDeterministic(t *testing.T) {
	root := multipart("multipart/alternative",
		textPart("text/plain", "plain"),
		textPart("text/html", "<b>html</b>"),
	)
	first := extractContent(root)
	for i := 0; i < 5; i++ {
		if got := extractContent(root); got != first {
			t.Fatalf("extractContent() changed between runs: %q vs %q", got, first)
		}
	}
}

func TestInlineEmbeddedImage(t *testing.T) {
	img := &enmime.Part{
		ContentType: "image/png",
		ContentID:   "<logo@example.com>",
		Content:     []byte{0x89, 0x50},
	}

	t.Run("rewrites cid reference to data uri", func(t *testing.T) {
		content := `<img src="cid:logo@example.com">`
		got := inlineEmbeddedImage(content, img)
		want := `<img src="data:image/png;base64,iVA=">`
		if got != want {
			t.Errorf("inlineEmbeddedImage() = %q, want %q", got, want)
		}
	})

	t.Run("unreferenced part leaves content unchanged", func(t *testing.T) {
		content := "<p>no images here</p>"
		if got := inlineEmbeddedImage(content, img); got != content {
			t.Errorf("inlineEmbeddedImage() = %q, want unchanged", got)
		}
	})

	t.Run("empty content id leaves content unchanged", func(t *testing.T) {
		part := &enmime.Part{ContentType: "image/png", Content: []byte{1}}
		content := "cid:"
		if got := inlineEmbeddedImage(content, part); got != content {
			t.Errorf("inlineEmbeddedImage() = %q, want unchanged", got)
		}
	})

	t.Run("content type parameters are dropped", func(t *testing.T) {
		part := &enmime.Part{
			ContentType: "image/jpeg; name=photo.jpg",
			ContentID:   "photo",
			Content:     []byte{0xff},
		}
		got := inlineEmbeddedImage("cid:photo", part)
		want := "data:image/jpeg;base64,/w=="
		if got != want {
			t.Errorf("inlineEmbeddedImage() = %q, want %q", got, want)
		}
	})

	t.Run("declared transfer encoding token is preserved", func(t *testing.T) {
		part := &enmime.Part{
			ContentType: "image/gif",
			ContentID:   "anim",
			Content:     []byte{0x47},
			Header:      textproto.MIMEHeader{"Content-Transfer-Encoding": []string{"BASE64"}},
		}
		got := inlineEmbeddedImage("cid:anim", part)
		want := "data:image/gif;base64,Rw=="
		if got != want {
			t.Errorf("inlineEmbeddedImage() = %q, want %q", got, want)
		}
	})

	t.Run("replaces every reference", func(t *testing.T) {
		content := "cid:logo@example.com and cid:logo@example.com"
		got := inlineEmbeddedImage(content, img)
		want := "data:image/png;base64,iVA= and data:image/png;base64,iVA="
		if got != want {
			t.Errorf("inlineEmbeddedImage() = %q, want %q", got, want)
		}
	})
}
