package coordprov

import (
	"context"
	"strings"
)

// EnsurePath creates path and any missing ancestors as persistent nodes with empty data.
func EnsurePath(ctx context.Context, client CoordClient, path string) error {
	if path == "" || path == "/" {
		return nil
	}
	var cur string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		cur = cur + "/" + part
		exists, err := client.Exists(ctx, cur, false)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		_, err = client.CreateNode(ctx, cur, "", NM_Persistent)
		if err != nil && !IsNodeExists(err) {
			return err
		}
	}
	return nil
}
