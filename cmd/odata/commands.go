package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/odata"
)

type entity = json.RawMessage

func (a *cli) getCmd() *cobra.Command {
	var (
		selectProps []string
		expand      []string
		filter      string
		orderBy     string
		top         int
		skip        int
		count       bool
		search      string
		params      []string
	)

	cmd := &cobra.Command{
		Use:   "get <entity> [id]",
		Short: "Read an entity set or a single entity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			extra, err := parseParams(params)
			if err != nil {
				return err
			}

			var req *odata.Request[entity]
			if len(args) == 2 {
				req = odata.GetByID[entity](client, args[0], args[1])
			} else {
				req = odata.Get[entity](client, args[0])
			}

			flags := cmd.Flags()
			if len(selectProps) > 0 {
				req.Select(selectProps...)
			}
			if len(expand) > 0 {
				req.Expand(expand...)
			}
			if filter != "" {
				req.Filter(filter)
			}
			if orderBy != "" {
				req.OrderBy(orderBy)
			}
			if flags.Changed("top") {
				req.Top(top)
			}
			if flags.Changed("skip") {
				req.Skip(skip)
			}
			if flags.Changed("count") {
				req.Count(count)
			}
			if search != "" {
				req.Search(search)
			}
			for key, value := range extra {
				req.Param(key, value)
			}

			return a.execute(cmd, req)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&selectProps, "select", nil, "properties to return ($select)")
	flags.StringSliceVar(&expand, "expand", nil, "navigation properties to expand ($expand)")
	flags.StringVar(&filter, "filter", "", "filter expression ($filter)")
	flags.StringVar(&orderBy, "orderby", "", `sort order, e.g. "Name desc" ($orderby)`)
	flags.IntVar(&top, "top", 0, "maximum number of entities ($top)")
	flags.IntVar(&skip, "skip", 0, "number of entities to skip ($skip)")
	flags.BoolVar(&count, "count", false, "include the total count ($count)")
	flags.StringVar(&search, "search", "", "free-text search ($search)")
	flags.StringArrayVar(&params, "param", nil, "custom query parameter key=value, repeatable")
	return cmd
}

func (a *cli) createCmd() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "create <entity>",
		Short: "Create an entity (POST)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := jsonData(data)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			return a.execute(cmd, odata.Post[entity](client, args[0]).Body(body))
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (a *cli) updateCmd() *cobra.Command {
	var (
		data    string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "update <entity> <id>",
		Short: "Update an entity (PATCH, or PUT with --put)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := jsonData(data)
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			req := odata.Patch[entity](client, args[0], args[1])
			if replace {
				req = odata.Put[entity](client, args[0], args[1])
			}
			return a.execute(cmd, req.Body(body))
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	cmd.Flags().BoolVar(&replace, "put", false, "replace the entity with PUT")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func (a *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			return a.execute(cmd, odata.Delete[entity](client, args[0], args[1]))
		},
	}
}

func (a *cli) refCmd() *cobra.Command {
	var post bool

	cmd := &cobra.Command{
		Use:   "ref <entity> <id> <navigation-property> <target-entity> <target-id>",
		Short: "Link an entity to another through a navigation property ($ref)",
		Long: "Sets a single-valued navigation property with PUT, or adds to a\n" +
			"collection-valued one with --post.",
		Args: cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			req := odata.Put[entity](client, args[0], args[1])
			if post {
				req = odata.PostRef[entity](client, args[0], args[1])
			}
			return a.execute(cmd, req.Ref(args[2], args[3], args[4]))
		},
	}
	cmd.Flags().BoolVar(&post, "post", false, "add to a collection with POST instead of PUT")
	return cmd
}

func (a *cli) execute(cmd *cobra.Command, req *odata.Request[entity]) error {
	if err := req.Err(); err != nil {
		return err
	}
	resp, err := req.Execute(cmd.Context())
	if err != nil {
		var transportErr *odata.TransportError
		if errors.As(err, &transportErr) && len(transportErr.Body) > 0 {
			fmt.Fprintln(a.errOut, string(transportErr.Body))
		}
		return err
	}
	return a.printResponse(resp)
}

func jsonData(data string) (json.RawMessage, error) {
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(data), nil
}
