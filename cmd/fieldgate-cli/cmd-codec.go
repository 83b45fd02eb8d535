package main

import (
	"fmt"
	"strings"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/regcodec"
)

type decodeCmd struct {
	Type      string   `help:"Data type: bool, int16, uint16, int32, uint32, int64, uint64, float32, float64, string." required:""`
	WordOrder string   `help:"Word order for multi-word scalars." enum:"big,little" default:"big"`
	Amount    int      `help:"Element count, or character count for strings." default:"1"`
	Words     []string `arg:"" help:"Register words, decimal or 0x hex."`
}

func (cmd *decodeCmd) Run(_ *globalOptions) error {
	dt := model.DataType(cmd.Type)
	if err := dt.Validate(); err != nil {
		return err
	}
	words, err := parseWords(cmd.Words)
	if err != nil {
		return err
	}

	v, err := regcodec.Decode(words, dt, model.WordOrder(cmd.WordOrder), cmd.Amount)
	if err != nil {
		return err
	}
	fmt.Println(v.Render())
	return nil
}

type encodeCmd struct {
	Type      string `help:"Data type to encode as." required:""`
	WordOrder string `help:"Word order for multi-word scalars." enum:"big,little" default:"big"`
	Amount    int    `help:"Element count, or character count for strings." default:"1"`
	Value     string `arg:"" help:"Value to encode, JSON syntax."`
}

func (cmd *encodeCmd) Run(_ *globalOptions) error {
	dt := model.DataType(cmd.Type)
	if err := dt.Validate(); err != nil {
		return err
	}

	words, err := regcodec.EncodePayload(parseValue(cmd.Value), dt, model.WordOrder(cmd.WordOrder), cmd.Amount)
	if err != nil {
		return err
	}

	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, fmt.Sprintf("0x%04X", w))
	}
	fmt.Println(strings.Join(out, " "))
	return nil
}
