package router

import (
	"strconv"
	"time"
)

const addressListPath = "/ip/firewall/address-list"

// Command is an API sentence: a command path, "=name=value" attributes and
// "?name=value" queries, kept in insertion order.
type Command struct {
	Path    string
	attrs   [][2]string
	queries [][2]string
}

func NewCommand(path string) *Command { return &Command{Path: path} }

func (c *Command) With(name, value string) *Command {
	c.attrs = append(c.attrs, [2]string{name, value})
	return c
}

func (c *Command) Where(name, value string) *Command {
	c.queries = append(c.queries, [2]string{name, value})
	return c
}

func (c *Command) Sentence() []string {
	words := make([]string, 0, 1+len(c.attrs)+len(c.queries))
	words = append(words, c.Path)
	for _, a := range c.attrs {
		words = append(words, "="+a[0]+"="+a[1])
	}
	for _, q := range c.queries {
		words = append(words, "?"+q[0]+"="+q[1])
	}
	return words
}

func findAddress(list, address string) *Command {
	return NewCommand(addressListPath+"/print").
		With(".proplist", ".id,address,timeout").
		Where("list", list).
		Where("address", address)
}

func addAddress(list, address, domain string, timeout time.Duration) *Command {
	c := NewCommand(addressListPath+"/add").
		With("list", list).
		With("address", address).
		With("comment", domain)
	if timeout > 0 {
		c.With("timeout", formatTimeout(timeout))
	}
	return c
}

// formatTimeout writes whole seconds, which RouterOS accepts for any
// duration attribute.
func formatTimeout(d time.Duration) string {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}
