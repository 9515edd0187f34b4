package index

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/mnemonic"
	"github.com/templui/provenance/internal/model"
)

// AnonymousNamespace is the storage identity and index namespace shared by all anonymous uploads
const AnonymousNamespace = "anonymous"

const (
	identitiesPrefix = "indexes/identities/"
	indexesPrefix    = "indexes/"
)

var (
	handlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,38}$`)
	digestPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

	reservedHandles = map[string]bool{
		"identities":       true,
		AnonymousNamespace: true,
		"public":           true,
		"storage-ids":      true,
		"users":            true,
	}
)

func IdentityKey(digest string) string {
	return identitiesPrefix + digest + ".json"
}

func PrivateFileMapKey(ownerID string, id int64) string {
	return fmt.Sprintf("%s%s/file_map/%d.json", indexesPrefix, ownerID, id)
}

func PublicFileMapKey(handle string, id int64) string {
	return fmt.Sprintf("%s%s/%d.json", indexesPrefix, handle, id)
}

func PrivateAssetPath(ownerID, fileName string, id int64) string {
	return fmt.Sprintf("users/%s/uploads/%s/%d", ownerID, fileName, id)
}

func PublicAssetPath(handle string, id int64) string {
	return fmt.Sprintf("public/%s/%d", handle, id)
}

func AnonymousAssetPath(mnemonicID, fileName string) string {
	return fmt.Sprintf("anonymous/uploads/%s/%s", mnemonicID, fileName)
}

func AnonymousManifestPath(mnemonicID string) string {
	return fmt.Sprintf("anonymous/manifests/%s/manifest.json", mnemonicID)
}

// StoragePrefix is the object prefix counted against a storage identity's quota
func StoragePrefix(storageID string) string {
	if storageID == AnonymousNamespace {
		return AnonymousNamespace + "/"
	}
	return "users/" + storageID + "/"
}

// FileMapKey is where the file map for a record lives
func FileMapKey(fm model.FileMap) string {
	if fm.Visibility == model.VisibilityPublic {
		return PublicFileMapKey(fm.Namespace, fm.ID)
	}
	return PrivateFileMapKey(fm.Namespace, fm.ID)
}

// ValidHandle reports whether a public handle is usable as an index namespace
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle) && !reservedHandles[handle]
}

// ValidDigest reports whether a digest is safe to use as an object key
func ValidDigest(digest string) bool {
	return digestPattern.MatchString(digest)
}

// CleanFileName keeps only the last element of a client-supplied name
func CleanFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" {
		return "file"
	}
	return base
}

// PathRef is a stored asset path broken into its parts
type PathRef struct {
	Visibility model.Visibility
	Namespace  string
	ID         int64
	FileName   string
}

// ParsePath understands the three asset layouts
func ParsePath(p string) (PathRef, error) {
	parts := strings.Split(p, "/")
	switch {
	case len(parts) == 5 && parts[0] == "users" && parts[2] == "uploads":
		id, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return PathRef{}, apperr.Validation("bad id in path %q", p)
		}
		return PathRef{Visibility: model.VisibilityPrivate, Namespace: parts[1], ID: id, FileName: parts[3]}, nil

	case len(parts) == 3 && parts[0] == "public":
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return PathRef{}, apperr.Validation("bad id in path %q", p)
		}
		return PathRef{Visibility: model.VisibilityPublic, Namespace: parts[1], ID: id}, nil

	case len(parts) == 4 && parts[0] == AnonymousNamespace && parts[1] == "uploads":
		id, err := mnemonic.Decode(parts[2])
		if err != nil {
			return PathRef{}, apperr.Validation("bad mnemonic in path %q", p)
		}
		return PathRef{Visibility: model.VisibilityAnonymous, Namespace: AnonymousNamespace, ID: id, FileName: parts[3]}, nil
	}
	return PathRef{}, apperr.Validation("unrecognised asset path %q", p)
}

func (r PathRef) fileMapKey() string {
	if r.Visibility == model.VisibilityPublic {
		return PublicFileMapKey(r.Namespace, r.ID)
	}
	return PrivateFileMapKey(r.Namespace, r.ID)
}

func decodeMnemonic(code string) (int64, error) {
	id, err := mnemonic.Decode(code)
	if err != nil {
		return 0, apperr.Validation("%v", err)
	}
	return id, nil
}
