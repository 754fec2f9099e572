package collection

import (
	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/storage/wal"
)

// SetSchema installs s as the collection's similarity schema. It takes
// effect on the next query; per spec §3 lifecycle it never rewrites
// existing vectors or graph structure.
func (c *Collection) SetSchema(s schema.Schema) error {
	if err := schema.Validate(&s); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	op := setSchemaOp{Schema: s}
	return c.appendAndApply(wal.OpSetSchema, op, func() error {
		return c.applySetSchemaLocked(&op.Schema)
	})
}

// GetSchema returns the collection's current schema, if any.
func (c *Collection) GetSchema() (schema.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.schema == nil {
		return schema.Schema{}, false
	}
	return *c.schema, true
}

// DeleteSchema removes the collection's schema, reverting queries to
// raw ANN scores.
func (c *Collection) DeleteSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendAndApply(wal.OpDeleteSchema, struct{}{}, func() error {
		return c.applySetSchemaLocked(nil)
	})
}

func (c *Collection) applySetSchemaLocked(s *schema.Schema) error {
	c.schema = s
	return nil
}
