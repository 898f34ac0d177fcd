package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/compositor-backend/pkg/db/models"
)

type versionView struct {
	Version        int               `json:"version"`
	Current        bool              `json:"current"`
	Actor          string            `json:"actor"`
	Summary        string            `json:"summary"`
	RolledBackFrom *int              `json:"rolled_back_from,omitempty"`
	Roles          map[string]string `json:"roles"`
	CreatedAt      time.Time         `json:"created_at"`
}

type outputView struct {
	FormatID   string    `json:"format_id"`
	Version    int       `json:"version"`
	StorageKey string    `json:"storage_key"`
	RenderedAt time.Time `json:"rendered_at"`
}

type assetView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RoleKey  string `json:"role_key"`
	Scope    string `json:"scope"`
	Level    string `json:"level,omitempty"`
	Approval string `json:"approval"`
}

func newVersionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <composition-id>",
		Short: "List the version history of a composition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("composition id", args[0])
			if err != nil {
				return err
			}
			eng, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := eng.Compositions.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			versions, err := eng.Compositions.ListVersions(cmd.Context(), id)
			if err != nil {
				return err
			}

			views := make([]versionView, 0, len(versions))
			for _, v := range versions {
				views = append(views, versionView{
					Version:        v.VersionNumber,
					Current:        v.VersionNumber == detail.Composition.CurrentVersion,
					Actor:          v.Actor,
					Summary:        v.ChangeSummary,
					RolledBackFrom: v.RolledBackFrom,
					Roles:          roleStrings(v.Roles()),
					CreatedAt:      v.CreatedAt,
				})
			}
			if ctx.asJSON {
				return writeJSON(cmd, views)
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				marker := ""
				if v.Current {
					marker = "*"
				}
				from := ""
				if v.RolledBackFrom != nil {
					from = strconv.Itoa(*v.RolledBackFrom)
				}
				rows = append(rows, []string{
					marker + strconv.Itoa(v.Version),
					v.Actor,
					v.Summary,
					strconv.Itoa(len(v.Roles)),
					from,
					v.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Version", "Actor", "Summary", "Roles", "Rolled Back From", "Created"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newRollbackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <composition-id> <version>",
		Short: "Restore an earlier role map as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("composition id", args[0])
			if err != nil {
				return err
			}
			target, err := strconv.Atoi(args[1])
			if err != nil || target < 1 {
				return fmt.Errorf("version must be a positive integer, got %q", args[1])
			}
			eng, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := eng.Compositions.Rollback(cmd.Context(), id, target, ctx.actor)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, map[string]any{
					"composition_id":  detail.Composition.ID,
					"current_version": detail.Composition.CurrentVersion,
					"roles":           roleStrings(detail.Roles),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "composition %s rolled back to version %d as version %d\n",
				detail.Composition.ID, target, detail.Composition.CurrentVersion)
			return nil
		},
	}
}

func newSetPrimaryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set-primary <composition-id>",
		Short: "Make a composition the primary for its episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("composition id", args[0])
			if err != nil {
				return err
			}
			eng, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			composition, err := eng.Compositions.SetPrimary(cmd.Context(), id, ctx.actor)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, map[string]any{
					"composition_id": composition.ID,
					"episode_id":     composition.EpisodeID,
					"is_primary":     composition.IsPrimary,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "composition %s is primary for episode %s\n", composition.ID, composition.EpisodeID)
			return nil
		},
	}
}

func newOutputsCommand(ctx *commandContext) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "outputs <composition-id>",
		Short: "Show rendered outputs for the latest or a given version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("composition id", args[0])
			if err != nil {
				return err
			}
			eng, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}

			var outputs map[string]models.Output
			if version > 0 {
				outputs, err = eng.Outputs.ForVersion(cmd.Context(), id, version)
			} else {
				outputs, err = eng.Outputs.LatestOutputs(cmd.Context(), id)
			}
			if err != nil {
				return err
			}

			views := make([]outputView, 0, len(outputs))
			for formatID, out := range outputs {
				views = append(views, outputView{
					FormatID:   formatID,
					Version:    out.VersionNumber,
					StorageKey: out.StorageKey,
					RenderedAt: out.RenderedAt,
				})
			}
			sort.Slice(views, func(i, j int) bool { return views[i].FormatID < views[j].FormatID })
			if ctx.asJSON {
				return writeJSON(cmd, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No outputs recorded")
				return nil
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				rows = append(rows, []string{v.FormatID, strconv.Itoa(v.Version), v.StorageKey, v.RenderedAt.UTC().Format(time.RFC3339)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Format", "Version", "Storage Key", "Rendered"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Version number; defaults to the newest output per format")
	return cmd
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var episodeFlag, showFlag, roleKey string
	var all bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the asset a role would receive for an episode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			episodeID, err := parseID("episode", episodeFlag)
			if err != nil {
				return err
			}
			var showID *uuid.UUID
			if strings.TrimSpace(showFlag) != "" {
				parsed, err := parseID("show", showFlag)
				if err != nil {
					return err
				}
				showID = &parsed
			}
			eng, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}

			var views []assetView
			if all {
				candidates, err := eng.Assets.ListEligible(cmd.Context(), episodeID, showID, roleKey)
				if err != nil {
					return err
				}
				for _, c := range candidates {
					view := toAssetView(c.Asset)
					view.Level = c.Level.String()
					views = append(views, view)
				}
			} else {
				asset, err := eng.Assets.Resolve(cmd.Context(), episodeID, showID, roleKey)
				if err != nil {
					return err
				}
				views = append(views, toAssetView(*asset))
			}

			if ctx.asJSON {
				return writeJSON(cmd, views)
			}
			rows := make([][]string, 0, len(views))
			for _, v := range views {
				rows = append(rows, []string{v.ID, v.Name, v.RoleKey, v.Scope, v.Level})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Asset", "Name", "Role", "Scope", "Matched At"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().StringVar(&episodeFlag, "episode", "", "Episode id")
	cmd.Flags().StringVar(&showFlag, "show", "", "Show id")
	cmd.Flags().StringVar(&roleKey, "role", "", "Role key, e.g. BG.MAIN")
	cmd.Flags().BoolVar(&all, "all", false, "List every eligible candidate in resolution order")
	_ = cmd.MarkFlagRequired("episode")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func toAssetView(a models.Asset) assetView {
	role := ""
	if a.RoleKey != nil {
		role = *a.RoleKey
	}
	return assetView{
		ID:       a.ID.String(),
		Name:     a.Name,
		RoleKey:  role,
		Scope:    a.Scope.String(),
		Approval: string(a.ApprovalStatus),
	}
}

func roleStrings(roles models.RoleAssignments) map[string]string {
	out := make(map[string]string, len(roles))
	for role, assetID := range roles {
		out[role] = assetID.String()
	}
	return out
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return id, nil
}
