package api

import (
	"github.com/trovelabs/trove/internal/apierr"
)

// batchDef builds the callBatch meta-method. Sub-calls run sequentially on
// the outer call's authenticated context; a failing sub-call contributes
// {error} at its index and the batch continues.
func (d *Dispatcher) batchDef() *MethodDef {
	return &MethodDef{
		ID:    "callBatch",
		Steps: []Step{d.executeBatch},
	}
}

func (d *Dispatcher) executeBatch(c *Context, p Params, r *Result) error {
	calls, _ := p["calls"].([]interface{})
	results := make([]interface{}, 0, len(calls))

	for _, raw := range calls {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return apierr.InvalidRequestStructure("Each batch call must be an object with method and params.")
		}
		methodID, _ := entry["method"].(string)
		params, _ := entry["params"].(map[string]interface{})
		if params == nil {
			params = map[string]interface{}{}
		}

		results = append(results, d.runSubCall(c, methodID, params))
	}

	r.Set("results", results)
	return nil
}

func (d *Dispatcher) runSubCall(c *Context, methodID string, params map[string]interface{}) map[string]interface{} {
	def, ok := d.registry.Get(methodID)
	if !ok {
		return errEnvelope(apierr.UnknownResource("method", methodID))
	}
	if def.ID == "callBatch" {
		return errEnvelope(apierr.InvalidOperation("Batch calls cannot be nested.", nil))
	}
	if def.SkipAuth || def.NoUser {
		return errEnvelope(apierr.InvalidOperation(
			"Method "+methodID+" is not available inside a batch call.", nil))
	}

	sub := &Context{
		Ctx:      c.Ctx,
		MethodID: methodID,
		User:     c.User,
		Access:   c.Access,
		CallerID: c.CallerID,
		Batch:    true,
	}
	d.auth.TrackCall(c.User, c.Access, methodID)

	result, apiErr := d.run(sub, def, params)
	if apiErr != nil {
		return errEnvelope(apiErr)
	}
	return result.Object()
}

func errEnvelope(e *apierr.E) map[string]interface{} {
	return map[string]interface{}{"error": e}
}
