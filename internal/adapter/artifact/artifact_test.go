package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cwygoda/scout/internal/domain"
)

func testArticle() *domain.Article {
	return &domain.Article{
		ID:             3,
		JobID:          42,
		UserID:         7,
		Title:          "Real Estate in Ghana: 2026 Outlook & Beyond",
		Summary:        "Prices keep rising in Accra.",
		Body:           "## Market\n\nDemand is **strong** in [Accra](https://example.com).\n\n- Mortgages\n- Land titles\n\n### Outlook\n\nGood.",
		KeywordDigest:  "ghana, accra, mortgage",
		WordCount:      14,
		ReadingMinutes: 1,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKey(t *testing.T) {
	a := testArticle()
	assert.Equal(t, "user_7/42_real-estate-in-ghana-2026-outlook-and-beyond.md", Key(a, domain.FormatMarkdown))
	assert.Equal(t, "user_7/42_real-estate-in-ghana-2026-outlook-and-beyond.pdf", Key(a, domain.FormatPDF))

	a.Title = strings.Repeat("very long title ", 10)
	key := Key(a, domain.FormatHTML)
	name := strings.TrimSuffix(strings.TrimPrefix(key, "user_7/42_"), ".html")
	assert.LessOrEqual(t, len(name), maxSlugLen)
	assert.False(t, strings.HasSuffix(name, "-"))

	a.Title = "!!!"
	assert.Equal(t, "user_7/42_article.md", Key(a, domain.FormatMarkdown))
}

func TestMarkdownRenderer(t *testing.T) {
	a := testArticle()

	out, err := MarkdownRenderer{}.Render(a)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "# "+a.Title+"\n\n## Market"))

	a.Body = "# " + a.Title + "\n\nBody."
	out, err = MarkdownRenderer{}.Render(a)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), "# "+a.Title), "title heading is not repeated")
}

func TestMarkdownRenderer_FrontMatter(t *testing.T) {
	a := testArticle()
	out, err := MarkdownRenderer{FrontMatter: true}.Render(a)
	require.NoError(t, err)

	s := string(out)
	require.True(t, strings.HasPrefix(s, "---\n"))
	meta, rest, ok := strings.Cut(strings.TrimPrefix(s, "---\n"), "---\n\n")
	require.True(t, ok)

	var fm frontMatter
	require.NoError(t, yaml.Unmarshal([]byte(meta), &fm))
	assert.Equal(t, a.Title, fm.Title)
	assert.Equal(t, []string{"ghana", "accra", "mortgage"}, fm.Keywords)
	assert.Equal(t, int64(42), fm.Job)
	assert.True(t, strings.HasPrefix(rest, "# "+a.Title))
}

func TestHTMLRenderer(t *testing.T) {
	a := testArticle()
	a.Summary = `Quotes "and" <tags>`
	out, err := NewHTMLRenderer().Render(a)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "<title>Real Estate in Ghana: 2026 Outlook &amp; Beyond</title>")
	assert.Contains(t, s, `<h2 id="market">Market</h2>`)
	assert.Contains(t, s, "<strong>strong</strong>")
	assert.Contains(t, s, "<li>Mortgages</li>")
	assert.Contains(t, s, "&lt;tags&gt;")
	assert.NotContains(t, s, "<tags>")
}

func TestPDFRenderer(t *testing.T) {
	a := testArticle()
	a.Body += "\n\nCafé prices – up “again”."
	out, err := PDFRenderer{}.Render(a)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.Greater(t, len(out), 500)
}

func TestPlain(t *testing.T) {
	assert.Equal(t, "see Accra now", plain("see [Accra](https://x.y) **now**"))
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "user_1/1_a.md", "text/markdown", []byte("hello")))
	rc, err := b.Get(ctx, "user_1/1_a.md")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	objs, err := b.List(ctx, "user_1/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "user_1/1_a.md", objs[0].Key)
	assert.Equal(t, int64(5), objs[0].Size)

	require.NoError(t, b.Delete(ctx, "user_1/1_a.md"))
	_, err = os.Stat(filepath.Join(root, "user_1"))
	assert.True(t, os.IsNotExist(err), "empty user dir is removed")

	assert.ErrorIs(t, b.Delete(ctx, "user_1/1_a.md"), ErrNotFound)
	_, err = b.Get(ctx, "user_1/1_a.md")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", `a\b`} {
		assert.ErrorIs(t, b.Put(ctx, bad, "", nil), ErrInvalidKey, bad)
	}
}

type failingBackend struct {
	Backend
	putErr    error
	deleteErr error
}

func (f failingBackend) Put(ctx context.Context, key, ct string, data []byte) error {
	if f.putErr != nil && strings.HasSuffix(key, ".pdf") {
		return f.putErr
	}
	return f.Backend.Put(ctx, key, ct, data)
}

func (f failingBackend) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Backend.Delete(ctx, key)
}

func TestStore_SaveOpenDelete(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fb, nil, nil)

	a := testArticle()
	res := store.Save(ctx, domain.SaveRequest{
		Article: a,
		Formats: []domain.Format{domain.FormatMarkdown, domain.FormatPDF, domain.FormatHTML},
	})
	assert.Empty(t, res.Errors)
	require.Len(t, res.Files, 3)

	rc, err := store.Open(ctx, res.Files[domain.FormatMarkdown])
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.True(t, strings.HasPrefix(string(data), "# "+a.Title))

	refs := []string{res.Files[domain.FormatMarkdown], res.Files[domain.FormatPDF], res.Files[domain.FormatHTML]}
	require.NoError(t, store.Delete(ctx, refs))
	require.NoError(t, store.Delete(ctx, refs), "deleting twice is fine")

	_, err = store.Open(ctx, refs[0])
	assert.ErrorIs(t, err, domain.ErrArticleNotFound)
}

func TestStore_FormatsFailIndependently(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(failingBackend{Backend: fb, putErr: errors.New("disk full")}, nil, nil)

	res := store.Save(ctx, domain.SaveRequest{
		Article: testArticle(),
		Formats: []domain.Format{domain.FormatMarkdown, domain.FormatPDF, "docx"},
	})
	assert.Contains(t, res.Files, domain.FormatMarkdown)
	assert.EqualError(t, res.Errors[domain.FormatPDF], "disk full")
	assert.ErrorContains(t, res.Errors["docx"], "no renderer")
}

func TestStore_DeleteJoinsFailures(t *testing.T) {
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(failingBackend{Backend: fb, deleteErr: errors.New("permission denied")}, nil, nil)

	err = store.Delete(context.Background(), []string{"user_1/a.md", "user_1/b.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_1/a.md")
	assert.Contains(t, err.Error(), "user_1/b.pdf")
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"user_1/1_kept.md", "user_1/2_orphan.pdf", "user_2/3_orphan.html", "notes/readme.txt"} {
		require.NoError(t, fb.Put(ctx, key, "", []byte("x")))
	}
	later := func() time.Time { return time.Now().Add(2 * time.Hour) }

	report, err := Sweep(ctx, fb, []string{"user_1/1_kept.md"}, SweepOptions{MinAge: time.Hour, DryRun: true, Now: later}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.ElementsMatch(t, []string{"user_1/2_orphan.pdf", "user_2/3_orphan.html"}, report.Orphans)
	assert.Zero(t, report.Removed)

	// Fresh files are protected by MinAge.
	report, err = Sweep(ctx, fb, nil, SweepOptions{MinAge: time.Hour}, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)

	report, err = Sweep(ctx, fb, []string{"user_1/1_kept.md"}, SweepOptions{MinAge: time.Hour, Now: later}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Removed)

	objs, err := fb.List(ctx, "")
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.ElementsMatch(t, []string{"user_1/1_kept.md", "notes/readme.txt"}, keys)

	_, err = Sweep(ctx, fb, nil, SweepOptions{Pattern: "user_[/*"}, nil)
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k, v := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	return out, nil
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	b := newS3Backend(fake, "articles", "/scout/")

	require.NoError(t, b.Put(ctx, "user_1/1_a.md", "text/markdown", []byte("hi")))
	assert.Contains(t, fake.objects, "scout/user_1/1_a.md")

	rc, err := b.Get(ctx, "user_1/1_a.md")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hi", string(data))

	objs, err := b.List(ctx, "user_1/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "user_1/1_a.md", objs[0].Key)

	require.NoError(t, b.Delete(ctx, "user_1/1_a.md"))
	_, err = b.Get(ctx, "user_1/1_a.md")
	assert.ErrorIs(t, err, ErrNotFound)

	fake.getErr = errors.New("connection reset")
	_, err = b.Get(ctx, "user_1/1_a.md")
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "connection reset")
}
