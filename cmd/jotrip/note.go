package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/jotrip/internal/localstore"
	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/spf13/cobra"
)

func newNoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Manage notes in the local database",
	}
	cmd.AddCommand(newNoteAddCommand(), newNoteListCommand(), newNoteDeleteCommand())
	return cmd
}

func newNoteAddCommand() *cobra.Command {
	var (
		title       string
		tabName     string
		content     string
		collections []string
		primaryDate string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a note with one tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			input := localstore.NewNote{Title: title, CollectionIDs: collections}
			if primaryDate != "" {
				input.PrimaryDate = &primaryDate
			}
			ctx := cmd.Context()
			note, err := application.store.CreateNote(ctx, input)
			if err != nil {
				return err
			}
			tab, err := application.store.CreateTab(ctx, note.ID, tabName, content)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created note %s with tab %s\n", note.ID, tab.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&tabName, "tab-name", "Notes", "Name of the first tab")
	cmd.Flags().StringVar(&content, "content", "", "Content of the first tab")
	cmd.Flags().StringSliceVar(&collections, "collection", nil, "Collection id (repeatable)")
	cmd.Flags().StringVar(&primaryDate, "date", "", "Primary date (YYYY-MM-DD)")
	return cmd
}

func newNoteListCommand() *cobra.Command {
	var (
		archived bool
		withTabs bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := cmd.Context()
			var notes []records.Note
			if archived {
				notes, err = application.store.ListArchivedNotes(ctx)
			} else {
				notes, err = application.store.ListActiveNotes(ctx)
			}
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTITLE\tUPDATED\tCOLLECTIONS")
			for _, note := range notes {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", note.ID, note.Title, records.FormatTimestamp(note.UpdatedAt), strings.Join(note.CollectionIDs, ","))
				if !withTabs {
					continue
				}
				tabs, err := application.store.ListTabs(ctx, note.ID)
				if err != nil {
					return err
				}
				for _, tab := range tabs {
					fmt.Fprintf(writer, "  %s\t%s\t%s\t%d chars\n", tab.ID, tab.Name, records.FormatTimestamp(tab.UpdatedAt), len(tab.Content))
				}
			}
			return writer.Flush()
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "List archived notes instead of active ones")
	cmd.Flags().BoolVar(&withTabs, "tabs", false, "Include tabs under each note")
	return cmd
}

func newNoteDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <note-id>",
		Short: "Delete a note with its tabs and images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.store.DeleteNote(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted note %s\n", args[0])
			return nil
		},
	}
}
