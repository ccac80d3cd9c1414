package oplog

import (
	"net/url"

	"github.com/c0deZ3R0/offsync/synckit"
)

// Key layout inside the storage provider.
const (
	prefixOp       = "op/"
	prefixState    = "st/"
	prefixEntity   = "ent/"
	prefixConflict = "cf/"
	prefixGone     = "gone/"
)

func opKey(id string) string    { return prefixOp + id }
func stateKey(id string) string { return prefixState + id }
func goneKey(id string) string  { return prefixGone + id }
func cfKey(id string) string    { return prefixConflict + id }

func entityKey(k synckit.EntityKey) string {
	return prefixEntity + url.PathEscape(k.Type) + "/" + url.PathEscape(k.ID)
}
