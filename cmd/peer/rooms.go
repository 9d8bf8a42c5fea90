package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/Wyydra/parley/internal/core/port"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms and their members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, err := fetchRooms(cmd.Context(), flagServer)
		if err != nil {
			return err
		}
		renderRooms(cmd.OutOrStdout(), rooms)
		return nil
	},
}

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Ask the relay for a fresh meeting code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := createRoom(cmd.Context(), flagServer)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
		return nil
	},
}

func renderRooms(w io.Writer, rooms []port.RoomPresence) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Room", "Count", "Members"})

	total := 0
	for _, r := range rooms {
		ids := make([]string, len(r.Members))
		for i, m := range r.Members {
			ids[i] = m.String()
		}
		total += len(r.Members)
		t.AppendRow(table.Row{r.Room, len(r.Members), strings.Join(ids, "\n")})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rooms", len(rooms)), total, ""})
	t.Render()
}
