package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shardvault/shardvault/internal/logging/audit"
	"github.com/shardvault/shardvault/internal/metadata"
	"github.com/shardvault/shardvault/internal/storage"
	"github.com/spf13/cobra"
)

// putOptions holds the flags of the put command.
type putOptions struct {
	key         string
	owner       string
	name        string
	contentType string
}

func newPutCmd() *cobra.Command {
	var opts putOptions
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file",
		Long: `Upload a file to the primary node, or to the first reachable node when
the primary is down, and record it in the catalog. The healer copies it
to the remaining nodes.

Examples:
  shardvault put report.pdf --owner alice
  shardvault put ./build.tar --key builds/latest`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			_, err = runPut(cmd.Context(), a, cmd.OutOrStdout(), args[0], opts)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.key, "key", "", "object key (default: generated)")
	cmd.Flags().StringVar(&opts.owner, "owner", os.Getenv("USER"), "file owner")
	cmd.Flags().StringVar(&opts.name, "name", "", "file name (default: base name of <file>)")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "", "content type (default: detected)")
	return cmd
}

func runPut(ctx context.Context, a *app, out io.Writer, path string, opts putOptions) (*metadata.FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	name := opts.name
	if name == "" {
		name = filepath.Base(path)
	}
	key := opts.key
	if key == "" {
		key = storage.NewObjectKey()
	}
	contentType := opts.contentType
	if contentType == "" {
		contentType = detectContentType(name, data)
	}

	index, err := a.replicas.WriteObject(ctx, key, data, contentType)
	if err != nil {
		a.audit.LogObjectOp(opts.owner, "put", key, -1, audit.ResultFailed, err.Error())
		return nil, err
	}
	a.audit.LogObjectOp(opts.owner, "put", key, index, audit.ResultOK, "")
	node := a.nodes[index]

	rec := &metadata.FileRecord{
		ID:          uuid.NewString(),
		Owner:       opts.owner,
		Name:        name,
		ObjectKey:   key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Locations: []metadata.Location{
			{NodeIndex: index, Endpoint: node.Endpoint, Port: node.Port},
		},
	}
	if err := a.catalog.PutFile(ctx, rec); err != nil {
		// Leave no untracked object behind.
		if _, delErr := a.replicas.DeleteEverywhere(context.WithoutCancel(ctx), key); delErr != nil {
			a.logger.Warn().Str("key", key).Err(delErr).Msg("Failed to remove object after catalog error")
		}
		return nil, fmt.Errorf("record file: %w", err)
	}
	a.audit.LogRecord(rec.Owner, "create", rec.ID, key)

	_, _ = fmt.Fprintf(out, "Uploaded %s (%s) as %s\n", name, humanize.Bytes(uint64(rec.Size)), rec.ID)
	_, _ = fmt.Fprintf(out, "  Object: %s\n", key)
	_, _ = fmt.Fprintf(out, "  Node:   %d (%s)\n", index, node.Address())
	return rec, nil
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// resolveObject maps a file id to its object key. An argument that is not a
// known file id is used as an object key directly.
func resolveObject(ctx context.Context, a *app, arg string) (string, *metadata.FileRecord, error) {
	rec, err := a.catalog.GetFile(ctx, arg)
	switch {
	case err == nil:
		return rec.ObjectKey, rec, nil
	case errors.Is(err, metadata.ErrNotFound):
		rec, err = a.catalog.GetFileByObject(ctx, arg)
		if err == nil {
			return arg, rec, nil
		}
		if errors.Is(err, metadata.ErrNotFound) {
			return arg, nil, nil
		}
		return "", nil, err
	default:
		return "", nil, err
	}
}

func newGetCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <id|key>",
		Short: "Download a file",
		Long: `Download a file from the first node that has it. The argument is a file
id or an object key.

Examples:
  shardvault get 3f2c... -o report.pdf
  shardvault get builds/latest > build.tar`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return runGet(cmd.Context(), a, cmd.OutOrStdout(), args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func runGet(ctx context.Context, a *app, out io.Writer, arg, output string) error {
	key, rec, err := resolveObject(ctx, a, arg)
	if err != nil {
		return err
	}
	var owner string
	if rec != nil {
		owner = rec.Owner
	}

	data, index, err := a.replicas.ReadObjectBytes(ctx, key)
	if err != nil {
		a.audit.LogObjectOp(owner, "get", key, -1, audit.ResultFailed, err.Error())
		return err
	}
	a.audit.LogObjectOp(owner, "get", key, index, audit.ResultOK, "")

	if output == "" {
		_, err = out.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	_, _ = fmt.Fprintf(out, "Wrote %s to %s\n", humanize.Bytes(uint64(len(data))), output)
	return nil
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id|key>",
		Aliases: []string{"delete"},
		Short:   "Delete a file from every node",
		Long: `Delete an object from every node and drop its catalog record. Each
node's outcome is listed. When some nodes cannot be reached the record is
kept, marked as deleting, and lists those nodes; healing leaves it alone
and running rm again finishes the delete.

Examples:
  shardvault rm 3f2c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return runRm(cmd.Context(), a, cmd.OutOrStdout(), args[0])
		},
	}
}

func runRm(ctx context.Context, a *app, out io.Writer, arg string) error {
	key, rec, err := resolveObject(ctx, a, arg)
	if err != nil {
		return err
	}

	statuses, err := a.replicas.DeleteEverywhere(ctx, key)
	if err != nil {
		return err
	}
	printStatuses(out, statuses)

	var owner string
	if rec != nil {
		owner = rec.Owner
	}
	ok := storage.CountSucceeded(statuses)
	a.audit.LogDelete(owner, key, ok, len(statuses))

	if ok < len(statuses) {
		if rec != nil {
			if err := a.catalog.MarkPendingDelete(ctx, rec.ID, failedLocations(statuses)); err != nil {
				return fmt.Errorf("mark file record pending delete: %w", err)
			}
			a.audit.LogRecord(owner, "pending_delete", rec.ID, key)
		}
		return fmt.Errorf("deleted on %d of %d nodes, run rm again once the others are reachable", ok, len(statuses))
	}

	if rec != nil {
		if err := a.catalog.DeleteFile(ctx, rec.ID); err != nil {
			return fmt.Errorf("delete file record: %w", err)
		}
		a.audit.LogRecord(owner, "delete", rec.ID, key)
	}
	return nil
}

// failedLocations lists the nodes a delete did not reach.
func failedLocations(statuses []storage.ReplicaStatus) []metadata.Location {
	var locs []metadata.Location
	for _, st := range statuses {
		if st.Success {
			continue
		}
		locs = append(locs, metadata.Location{NodeIndex: st.NodeIndex, Endpoint: st.Endpoint, Port: st.Port})
	}
	return locs
}

func printStatuses(out io.Writer, statuses []storage.ReplicaStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NODE\tENDPOINT\tSTATUS\tERROR")
	for _, st := range statuses {
		status := "ok"
		if !st.Success {
			status = "failed"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s:%d\t%s\t%s\n", st.NodeIndex, st.Endpoint, st.Port, status, st.Error)
	}
	_ = w.Flush()
}

func newLsCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List files in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return runLs(cmd.Context(), a, cmd.OutOrStdout(), owner)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only list files of this owner")
	return cmd
}

func runLs(ctx context.Context, a *app, out io.Writer, owner string) error {
	files, err := a.catalog.ListFiles(ctx, owner)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		_, _ = fmt.Fprintln(out, "No files found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tOWNER\tSIZE\tNODES\tCREATED")
	for _, f := range files {
		idx := make([]string, 0, len(f.Locations))
		for _, loc := range f.Locations {
			idx = append(idx, strconv.Itoa(loc.NodeIndex))
		}
		nodeList := strings.Join(idx, ",")
		if f.PendingDelete {
			nodeList += " (deleting)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Name, f.Owner, humanize.Bytes(uint64(f.Size)),
			nodeList, f.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
	return nil
}

func newLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate <id|key>",
		Short: "Show which nodes hold an object",
		Long: `Probe every node for an object and list the result per node.

Examples:
  shardvault locate 3f2c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return runLocate(cmd.Context(), a, cmd.OutOrStdout(), args[0])
		},
	}
}

func runLocate(ctx context.Context, a *app, out io.Writer, arg string) error {
	key, _, err := resolveObject(ctx, a, arg)
	if err != nil {
		return err
	}

	results, err := a.replicas.LocateDetailed(ctx, key)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NODE\tENDPOINT\tSTATUS\tSIZE")
	for _, res := range results {
		status, size := "present", humanize.Bytes(uint64(res.Info.Size))
		switch {
		case res.Absent():
			status, size = "missing", "-"
		case !res.Present:
			status, size = "unreachable", "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", res.NodeIndex, res.Node.Address(), status, size)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d of %d nodes hold %s\n", len(storage.PresentNodes(results)), len(results), key)
	return nil
}

func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Check every storage node",
		Long: `Check that every configured node answers and has the bucket.

Examples:
  shardvault nodes --config shardvault.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return runNodes(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func runNodes(ctx context.Context, a *app, out io.Writer) error {
	statuses := a.replicas.CheckNodes(ctx)
	printStatuses(out, statuses)
	_, _ = fmt.Fprintf(out, "\n%d of %d nodes reachable\n", storage.CountSucceeded(statuses), len(statuses))
	return nil
}
