package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type writeEnqueueCmd struct {
	Tag   string `help:"Tag external id." required:""`
	Value string `arg:"" help:"Value to write, JSON syntax."`
}

func (cmd *writeEnqueueCmd) Run(g *globalOptions) error {
	tagID, err := uuid.Parse(cmd.Tag)
	if err != nil {
		return fmt.Errorf("bad tag id %q: %w", cmd.Tag, err)
	}

	st, err := openStore(g)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := cliContext()
	defer cancel()

	tag, err := st.TagByExternalID(ctx, tagID)
	if err != nil {
		return err
	}

	id, err := st.EnqueueWrite(ctx, tag.ID, parseValue(cmd.Value), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("queued write %d for tag %s\n", id, tag.Alias)
	return nil
}
