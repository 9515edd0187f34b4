package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/fingerprint"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/mnemonic"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/storage"
)

var (
	alice = Owner{ID: "u1", Username: "alice"}
	bob   = Owner{ID: "u2", Username: "bob"}
)

func patternPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	cell := size / 8
	for y := range size {
		for x := range size {
			v := uint8(40)
			if (7*(y/cell)+3*(x/cell))%5 < 2 {
				v = 215
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadCreatesPrivateRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "../notes.txt", ContentType: "text/plain", Data: []byte("hello world")})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.True(t, res.IsOriginalOwner)
	assert.Equal(t, index.PrivateAssetPath("u1", "notes.txt", res.ID), res.Path)
	assert.Empty(t, res.PublicPath)
	assert.True(t, res.Fingerprint.ExactOnly())

	id, err := mnemonic.Decode(res.MnemonicID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, id)

	data, info, err := storage.ReadAll(ctx, h.store, res.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, "text/plain", info.ContentType)

	identity, err := h.idx.LookupByFingerprint(ctx, res.Fingerprint.ExactDigest)
	require.NoError(t, err)
	assert.True(t, identity.IsConfirmed())
	assert.Equal(t, "u1", identity.OwnerID)
	assert.Equal(t, 1, identity.UploadCount)

	fm, err := h.idx.LookupFileMap(ctx, "u1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityPrivate, fm.Visibility)

	h.svc.Wait()
	assert.Equal(t, 1, h.attestor.count())

	usage, err := h.bucket.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), usage.TotalSize)
}

func TestUploadExistingContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	payload := []byte("same bytes")

	first, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "a.txt", Data: payload})
	require.NoError(t, err)
	objects := h.mem.Len()

	again, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "b.txt", Data: payload})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.True(t, again.IsOriginalOwner)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.MnemonicID, again.MnemonicID)

	other, err := h.svc.Upload(ctx, UploadInput{Owner: bob, FileName: "c.txt", Data: payload})
	require.NoError(t, err)
	assert.True(t, other.Existing)
	assert.False(t, other.IsOriginalOwner)

	assert.Equal(t, objects, h.mem.Len(), "no new bytes or records for known content")

	identity, err := h.idx.LookupByFingerprint(ctx, first.Fingerprint.ExactDigest)
	require.NoError(t, err)
	assert.Equal(t, 3, identity.UploadCount)
}

func TestUploadRejections(t *testing.T) {
	ctx := context.Background()
	opts := defaultHarnessOptions()
	opts.bucket.UserMaxQuota = 10
	opts.upload.MaxUploadSize = 64
	opts.upload.AnonymousEnabled = false
	h := newHarness(t, opts)

	_, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("0123456789")})
	require.NoError(t, err, "exactly at quota")

	_, err = h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("x")})
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	_, err = h.svc.Upload(ctx, UploadInput{Owner: bob, Data: nil})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.Upload(ctx, UploadInput{Owner: bob, Data: bytes.Repeat([]byte("a"), 65)})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.Upload(ctx, UploadInput{Data: []byte("anon")})
	assert.ErrorIs(t, err, apperr.ErrValidation, "anonymous uploads disabled")

	_, err = h.svc.Upload(ctx, UploadInput{Owner: bob, Data: []byte("v"), Visibility: "shared"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.svc.Upload(ctx, UploadInput{Owner: Owner{ID: "u3"}, Data: []byte("v"), Visibility: model.VisibilityPublic})
	assert.ErrorIs(t, err, apperr.ErrValidation, "publishing needs a handle")
}

func TestUploadAnonymous(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{ClientIP: "203.0.113.9", FileName: "pic.txt", ContentType: "text/plain", Data: []byte("anonymous bytes")})
	require.NoError(t, err)
	assert.Equal(t, index.AnonymousAssetPath(res.MnemonicID, "pic.txt"), res.Path)
	assert.Equal(t, int64(len("anonymous bytes")), h.svc.Allowance.Used(ctx, "203.0.113.9"))

	info, err := h.store.Stat(ctx, res.Path)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Metadata[MetaUploadTime])
	assert.Equal(t, "86400", info.Metadata[MetaTTL])

	data, _, err := storage.ReadAll(ctx, h.store, index.AnonymousManifestPath(res.MnemonicID))
	require.NoError(t, err)
	assert.Contains(t, string(data), res.Fingerprint.ExactDigest)

	resolved, err := h.svc.Resolve(ctx, Owner{}, index.AnonymousNamespace, res.MnemonicID)
	require.NoError(t, err)
	assert.Equal(t, res.Path, resolved.File.Path)
	assert.Contains(t, resolved.URL, res.Path)

	// A repeat upload stores nothing, so it does not spend allowance
	again, err := h.svc.Upload(ctx, UploadInput{ClientIP: "203.0.113.9", Data: []byte("anonymous bytes")})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.False(t, again.IsOriginalOwner)
	assert.Equal(t, int64(len("anonymous bytes")), h.svc.Allowance.Used(ctx, "203.0.113.9"))
}

func TestUploadAnonymousAllowance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	h.svc.Allowance = NewAllowance(h.cache, 10)

	_, err := h.svc.Upload(ctx, UploadInput{ClientIP: "ip", Data: []byte("0123456")})
	require.NoError(t, err)
	_, err = h.svc.Upload(ctx, UploadInput{ClientIP: "ip", Data: []byte("abcd")})
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	_, err = h.svc.Upload(ctx, UploadInput{ClientIP: "other", Data: []byte("abcd")})
	assert.NoError(t, err)
}

func TestUploadPublicAndResolve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "a.txt", Data: []byte("for everyone"), Visibility: model.VisibilityPublic})
	require.NoError(t, err)
	assert.Equal(t, index.PublicAssetPath("alice", res.ID), res.PublicPath)

	resolved, err := h.svc.Resolve(ctx, Owner{}, "alice", res.MnemonicID)
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityPublic, resolved.File.Visibility)
	assert.Contains(t, resolved.URL, res.PublicPath)
	assert.Contains(t, resolved.URL, "expires=604800")

	private, err := h.idx.LookupFileMap(ctx, "u1", res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.PublicPath, private.PublicPath)
}

func TestResolvePrivateOnlyForOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("secret")})
	require.NoError(t, err)

	_, err = h.svc.Resolve(ctx, Owner{}, "u1", res.MnemonicID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.svc.Resolve(ctx, bob, "u1", res.MnemonicID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	resolved, err := h.svc.Resolve(ctx, alice, "u1", res.MnemonicID)
	require.NoError(t, err)
	assert.Contains(t, resolved.URL, "expires=3600")

	_, err = h.svc.Resolve(ctx, alice, "u1", "not-a-code")
	assert.Error(t, err)
}

func TestPublishThroughService(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("later public")})
	require.NoError(t, err)

	_, err = h.svc.Publish(ctx, alice, res.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.Publish(ctx, bob, res.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	fm, err := h.svc.Publish(ctx, alice, res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, index.PublicAssetPath("alice", res.ID), fm.Path)

	again, err := h.svc.Publish(ctx, alice, res.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, fm.Path, again.Path)
}

func TestUploadReportsNearDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	original, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "a.png", ContentType: "image/png", Data: patternPNG(t, 240)})
	require.NoError(t, err)
	assert.False(t, original.Fingerprint.ExactOnly())
	assert.Empty(t, original.Duplicates)

	resized, err := h.svc.Upload(ctx, UploadInput{Owner: bob, FileName: "b.png", ContentType: "image/png", Data: patternPNG(t, 320)})
	require.NoError(t, err)
	assert.False(t, resized.Existing, "different bytes are a different identity")
	require.Len(t, resized.Duplicates, 1)
	assert.Equal(t, original.ID, resized.Duplicates[0].ExistingID)
	assert.Equal(t, original.Fingerprint.ExactDigest, resized.Duplicates[0].ContentHash)
}

func TestIntentAndConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	payload := []byte("uploaded out of band")

	fp, err := fingerprint.New(fingerprint.SHA256)
	require.NoError(t, err)
	declared, err := fp.Fingerprint(payload)
	require.NoError(t, err)

	intent, err := h.svc.Intent(ctx, IntentInput{Owner: alice, FileName: "doc.txt", ContentType: "text/plain", Size: int64(len(payload)), Fingerprint: declared})
	require.NoError(t, err)
	assert.False(t, intent.Existing)
	assert.Contains(t, intent.UploadURL, intent.Path)
	assert.False(t, intent.ExpiresAt.IsZero())

	pending, err := h.idx.LookupByFingerprint(ctx, declared.ExactDigest)
	require.NoError(t, err)
	assert.False(t, pending.IsConfirmed())

	_, err = storage.PutBytes(ctx, h.mem, intent.Path, payload, storage.PutOptions{ContentType: "text/plain"})
	require.NoError(t, err)

	identity, err := h.svc.Confirm(ctx, alice, intent.ID)
	require.NoError(t, err)
	assert.True(t, identity.IsConfirmed())

	again, err := h.svc.Intent(ctx, IntentInput{Owner: alice, Size: int64(len(payload)), Fingerprint: declared})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Empty(t, again.UploadURL)
	assert.Equal(t, intent.ID, again.ID)
}

func TestConfirmMismatchIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	fp, err := fingerprint.New(fingerprint.SHA256)
	require.NoError(t, err)
	declared, err := fp.Fingerprint([]byte("what I promised"))
	require.NoError(t, err)

	intent, err := h.svc.Intent(ctx, IntentInput{Owner: alice, Size: 15, Fingerprint: declared})
	require.NoError(t, err)

	_, err = storage.PutBytes(ctx, h.mem, intent.Path, []byte("what I delivered"), storage.PutOptions{})
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, alice, intent.ID)
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = h.store.Stat(ctx, intent.Path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.idx.LookupByFingerprint(ctx, declared.ExactDigest)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIntentValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	digest := strings.Repeat("ab", 32)

	_, err := h.svc.Intent(ctx, IntentInput{Size: 1, Fingerprint: model.Fingerprint{ExactDigest: digest}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.Intent(ctx, IntentInput{Owner: alice, Size: 0, Fingerprint: model.Fingerprint{ExactDigest: digest}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.Intent(ctx, IntentInput{Owner: alice, Size: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = h.svc.Intent(ctx, IntentInput{Owner: alice, Size: 1, Fingerprint: model.Fingerprint{ExactDigest: digest, Algorithm: "md5"}})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeleteRemovesRecordsThenBytes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "gone.txt", Data: []byte("short lived")})
	require.NoError(t, err)

	err = h.svc.Delete(ctx, bob, res.Path)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = h.svc.Delete(ctx, Owner{}, res.Path)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.store.Stat(ctx, res.Path)
	require.NoError(t, err, "unauthorised delete leaves the bytes")

	require.NoError(t, h.svc.Delete(ctx, alice, res.Path))

	_, err = h.store.Stat(ctx, res.Path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.idx.LookupByPath(ctx, res.Path)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.idx.LookupByFingerprint(ctx, res.Fingerprint.ExactDigest)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, h.svc.Delete(ctx, alice, "somewhere/else"), apperr.ErrValidation)
}

func TestDeletePublicKeepsPrivate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("both"), Visibility: model.VisibilityPublic})
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, alice, res.PublicPath))

	private, err := h.idx.LookupFileMap(ctx, "u1", res.ID)
	require.NoError(t, err)
	assert.Empty(t, private.PublicPath)
	identity, err := h.idx.LookupByFingerprint(ctx, res.Fingerprint.ExactDigest)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Path}, identity.References)
}

// failingStore refuses writes under one prefix
type failingStore struct {
	storage.Storage
	prefix string
}

func (f failingStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if strings.HasPrefix(key, f.prefix) {
		return storage.ObjectInfo{}, errors.New("disk on fire")
	}
	return f.Storage.Put(ctx, key, body, size, opts)
}

func TestUploadRollsBackIdentityOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	opts := defaultHarnessOptions()
	opts.store = func(m *storage.Memory) storage.Storage {
		return failingStore{Storage: m, prefix: "users/"}
	}
	h := newHarness(t, opts)

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("never lands")})
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Zero(t, res.ID)

	fp, err := fingerprint.New(fingerprint.SHA256)
	require.NoError(t, err)
	_, err = h.idx.LookupByFingerprint(ctx, fp.Digest([]byte("never lands")))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, h.mem.Len())

	h.svc.Wait()
	assert.Zero(t, h.attestor.count())
}

func TestAttestationDoesNotBlockUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	block := make(chan struct{})
	h.svc.Attestor = blockingAttestor{release: block}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: []byte("quick")})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upload waited for attestation")
	}
	close(block)
	h.svc.Wait()
}

type blockingAttestor struct {
	release chan struct{}
}

func (b blockingAttestor) Attest(ctx context.Context, _ string, _ model.Identity) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
}

func declare(t *testing.T, data []byte) model.Fingerprint {
	t.Helper()
	fp, err := fingerprint.New(fingerprint.SHA256)
	require.NoError(t, err)
	declared, err := fp.Fingerprint(data)
	require.NoError(t, err)
	return declared
}

func TestConfirmRejectsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	opts := defaultHarnessOptions()
	opts.bucket.UserMaxQuota = 100
	h := newHarness(t, opts)
	payload := bytes.Repeat([]byte("x"), 5000)

	intent, err := h.svc.Intent(ctx, IntentInput{Owner: alice, FileName: "tiny.bin", Size: 1, Fingerprint: declare(t, payload)})
	require.NoError(t, err)
	_, err = storage.PutBytes(ctx, h.mem, intent.Path, payload, storage.PutOptions{})
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, alice, intent.ID)
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Reason, "declared 1")

	_, err = h.store.Stat(ctx, intent.Path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.idx.LookupFileMap(ctx, alice.ID, intent.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	usage, err := h.bucket.Usage(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.TotalSize)
}

func TestConfirmRechecksQuota(t *testing.T) {
	ctx := context.Background()
	opts := defaultHarnessOptions()
	opts.bucket.UserMaxQuota = 100
	h := newHarness(t, opts)
	first := bytes.Repeat([]byte("a"), 60)
	second := bytes.Repeat([]byte("b"), 60)

	// Both intents fit on their own
	one, err := h.svc.Intent(ctx, IntentInput{Owner: alice, FileName: "one.bin", Size: 60, Fingerprint: declare(t, first)})
	require.NoError(t, err)
	two, err := h.svc.Intent(ctx, IntentInput{Owner: alice, FileName: "two.bin", Size: 60, Fingerprint: declare(t, second)})
	require.NoError(t, err)

	_, err = storage.PutBytes(ctx, h.mem, one.Path, first, storage.PutOptions{})
	require.NoError(t, err)
	identity, err := h.svc.Confirm(ctx, alice, one.ID)
	require.NoError(t, err)
	assert.True(t, identity.IsConfirmed())

	_, err = storage.PutBytes(ctx, h.mem, two.Path, second, storage.PutOptions{})
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, alice, two.ID)
	var quota *apperr.QuotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, int64(60), quota.Current)
	assert.Equal(t, int64(60), quota.Incoming)
	assert.Equal(t, int64(100), quota.Max)

	_, err = h.store.Stat(ctx, two.Path)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.store.Stat(ctx, one.Path)
	assert.NoError(t, err)

	// Confirming an already confirmed upload is a no-op
	again, err := h.svc.Confirm(ctx, alice, one.ID)
	require.NoError(t, err)
	assert.True(t, again.IsConfirmed())
}

func TestConfirmStoresComputedPerceptualHashes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	img := patternPNG(t, 240)

	computed := declare(t, img)
	require.NotEmpty(t, computed.MediumHash)
	forged := computed
	forged.MediumHash = strings.Repeat("0", len(computed.MediumHash))
	forged.FineHash = strings.Repeat("0", len(computed.FineHash))

	intent, err := h.svc.Intent(ctx, IntentInput{Owner: alice, FileName: "p.png", ContentType: "image/png", Size: int64(len(img)), Fingerprint: forged})
	require.NoError(t, err)
	_, err = storage.PutBytes(ctx, h.mem, intent.Path, img, storage.PutOptions{ContentType: "image/png"})
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, alice, intent.ID)
	require.NoError(t, err)

	stored, err := h.idx.LookupByFingerprint(ctx, computed.ExactDigest)
	require.NoError(t, err)
	assert.Equal(t, computed.MediumHash, stored.MediumHash)
	assert.Equal(t, computed.FineHash, stored.FineHash)
	assert.Equal(t, computed.CoarseHash, stored.CoarseHash)
}

func TestUploadAdoptsAbandonedIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarnessOptions())
	payload := []byte("declared but never sent")

	intent, err := h.svc.Intent(ctx, IntentInput{Owner: alice, FileName: "promise.txt", Size: int64(len(payload)), Fingerprint: declare(t, payload)})
	require.NoError(t, err)

	res, err := h.svc.Upload(ctx, UploadInput{Owner: bob, FileName: "real.txt", Data: payload})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.True(t, res.IsOriginalOwner)
	assert.NotEqual(t, intent.ID, res.ID)

	data, _, err := storage.ReadAll(ctx, h.store, res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	identity, err := h.idx.LookupByFingerprint(ctx, res.Fingerprint.ExactDigest)
	require.NoError(t, err)
	assert.True(t, identity.IsConfirmed())
	assert.Equal(t, res.Path, identity.Path)
	assert.Equal(t, bob.ID, identity.OwnerID)
	assert.Equal(t, res.ID, identity.ID)
	assert.ElementsMatch(t, []string{intent.Path, res.Path}, identity.References)

	fm, err := h.idx.LookupFileMap(ctx, bob.ID, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Path, fm.Path)

	// Once backed by bytes the identity deduplicates as usual
	again, err := h.svc.Upload(ctx, UploadInput{Owner: alice, Data: payload})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, res.ID, again.ID)
}

// presignFailingStore refuses to sign upload URLs while fail is set
type presignFailingStore struct {
	storage.Storage
	fail *atomic.Bool
}

func (p presignFailingStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if p.fail.Load() {
		return "", errors.New("signing key unavailable")
	}
	return p.Storage.PresignPut(ctx, key, ttl)
}

func TestIntentRollsBackWhenPresignFails(t *testing.T) {
	ctx := context.Background()
	fail := &atomic.Bool{}
	fail.Store(true)
	opts := defaultHarnessOptions()
	opts.store = func(m *storage.Memory) storage.Storage {
		return presignFailingStore{Storage: m, fail: fail}
	}
	h := newHarness(t, opts)
	payload := []byte("retry me")
	declared := declare(t, payload)

	_, err := h.svc.Intent(ctx, IntentInput{Owner: alice, Size: int64(len(payload)), Fingerprint: declared})
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)

	_, err = h.idx.LookupByFingerprint(ctx, declared.ExactDigest)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, h.mem.Len())

	fail.Store(false)
	retry, err := h.svc.Intent(ctx, IntentInput{Owner: alice, Size: int64(len(payload)), Fingerprint: declared})
	require.NoError(t, err)
	assert.False(t, retry.Existing)
	assert.NotEmpty(t, retry.UploadURL)

	identity, err := h.idx.LookupByFingerprint(ctx, declared.ExactDigest)
	require.NoError(t, err)
	assert.Equal(t, []string{retry.Path}, identity.References)
}

// copyFailingStore cannot copy objects
type copyFailingStore struct {
	storage.Storage
}

func (copyFailingStore) Copy(context.Context, string, string) error {
	return errors.New("copy unavailable")
}

func TestPublicUploadKeepsPrivateCopyWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	opts := defaultHarnessOptions()
	opts.store = func(m *storage.Memory) storage.Storage {
		return copyFailingStore{Storage: m}
	}
	h := newHarness(t, opts)

	res, err := h.svc.Upload(ctx, UploadInput{Owner: alice, FileName: "pic.txt", Data: []byte("share me"), Visibility: model.VisibilityPublic})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Empty(t, res.PublicPath)
	assert.Contains(t, res.PublishError, "copy unavailable")

	_, err = h.store.Stat(ctx, res.Path)
	require.NoError(t, err)
	identity, err := h.idx.LookupByFingerprint(ctx, res.Fingerprint.ExactDigest)
	require.NoError(t, err)
	assert.True(t, identity.IsConfirmed())
	assert.Empty(t, identity.PublicPath)
	_, err = h.store.Stat(ctx, index.PublicFileMapKey(alice.Username, res.ID))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
