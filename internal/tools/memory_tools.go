package tools

import (
	"context"
	"encoding/json"

	"github.com/chatmemory/engine/internal/engineerr"
	"github.com/chatmemory/engine/internal/fact"
	"github.com/chatmemory/engine/internal/model"
	"github.com/chatmemory/engine/internal/store"
)

// RegisterMemoryTools adds the six LLM-callable memory tools to reg. quality
// may be nil, in which case update_fact falls back to calling facts
// directly instead of routing the correction through the dedup/conflict
// pipeline (used by callers, mainly tests, that haven't wired C8 up yet).
func RegisterMemoryTools(reg Registry, facts store.FactStore, quality *fact.QualityManager) {
	reg.Register(&rememberFactTool{facts: facts})
	reg.Register(&recallFactsTool{facts: facts})
	reg.Register(&updateFactTool{facts: facts, quality: quality})
	reg.Register(&forgetFactTool{facts: facts})
	reg.Register(&forgetAllFactsTool{facts: facts})
	reg.Register(&updatePronounsTool{facts: facts})
}

// AdminSetFact directly writes an entity's fact, bypassing the quality
// pipeline's conflict resolution entirely. Distinct from update_fact, which
// is LLM-tool-initiated and goes through the quality gate whenever a
// QualityManager was registered: this is
// for administrative corrections where the caller has already verified the
// value out of band.
func AdminSetFact(ctx context.Context, facts store.FactStore, kind model.EntityKind, entityID int64, category model.FactCategory, key, value string, confidence float64) (model.Fact, error) {
	existing, ok, err := facts.FindExact(ctx, kind, entityID, category, key)
	if err != nil {
		return model.Fact{}, err
	}
	if ok {
		return facts.UpdateFact(ctx, existing.ID, value, confidence, model.ChangeCorrected)
	}
	return facts.AddFact(ctx, model.Fact{
		EntityKind: kind, EntityID: entityID, Category: category, Key: key, Value: value, Confidence: confidence,
	})
}

func requireEntity(ctx context.Context) (EntityContext, error) {
	ec, ok := EntityContextFrom(ctx)
	if !ok {
		return EntityContext{}, engineerr.E(engineerr.KindToolValidation, "tools.requireEntity", errMissingEntityContext)
	}
	return ec, nil
}

var errMissingEntityContext = jsonErr("no entity context on this call")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }

// rememberFactTool implements remember_fact: add-or-reinforce a fact about
// the calling user. An existing fact is matched by exact category and key
// only; no embedding near-match lookup is done.
type rememberFactTool struct{ facts store.FactStore }

func (t *rememberFactTool) Name() string { return "remember_fact" }

func (t *rememberFactTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Remember a durable fact about the current user (e.g. preference, location, skill).",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category":   map[string]any{"type": "string", "description": "one of the closed fact categories"},
				"key":        map[string]any{"type": "string"},
				"value":      map[string]any{"type": "string"},
				"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
			"required": []string{"category", "key", "value", "confidence"},
		},
	}
}

type rememberFactArgs struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func (t *rememberFactTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	ec, err := requireEntity(ctx)
	if err != nil {
		return nil, err
	}
	var args rememberFactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, engineerr.E(engineerr.KindToolValidation, "remember_fact", err)
	}
	if args.Category == "" || args.Key == "" || args.Value == "" {
		return nil, engineerr.E(engineerr.KindToolValidation, "remember_fact", jsonErr("category, key, and value are required"))
	}
	category := model.FactCategory(args.Category)

	existing, ok, err := t.facts.FindExact(ctx, model.EntityUser, ec.UserID, category, args.Key)
	if err != nil {
		return nil, err
	}
	if ok {
		newConfidence := existing.Confidence
		if args.Confidence > newConfidence {
			newConfidence = args.Confidence
		}
		updated, err := t.facts.UpdateFact(ctx, existing.ID, existing.Value, newConfidence, model.ChangeReinforced)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "action": "reinforced", "fact_id": updated.ID, "confidence": updated.Confidence}, nil
	}

	f, err := t.facts.AddFact(ctx, model.Fact{
		EntityKind: model.EntityUser,
		EntityID:   ec.UserID,
		Category:   category,
		Key:        args.Key,
		Value:      args.Value,
		Confidence: args.Confidence,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "action": "created", "fact_id": f.ID}, nil
}

// recallFactsTool implements recall_facts: list active facts above a
// confidence floor, optionally filtered by category.
type recallFactsTool struct{ facts store.FactStore }

func (t *recallFactsTool) Name() string { return "recall_facts" }

func (t *recallFactsTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Recall previously remembered facts about the current user.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{"type": "string"},
				"limit":    map[string]any{"type": "integer"},
			},
		},
	}
}

type recallFactsArgs struct {
	Category string `json:"category"`
	Limit    int    `json:"limit"`
}

func (t *recallFactsTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	ec, err := requireEntity(ctx)
	if err != nil {
		return nil, err
	}
	var args recallFactsArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, engineerr.E(engineerr.KindToolValidation, "recall_facts", err)
		}
	}
	var category *model.FactCategory
	if args.Category != "" {
		c := model.FactCategory(args.Category)
		category = &c
	}
	facts, err := t.facts.GetFacts(ctx, model.EntityUser, ec.UserID, category, 0, args.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		out = append(out, map[string]any{
			"category":   string(f.Category),
			"key":        f.Key,
			"value":      f.Value,
			"confidence": f.Confidence,
		})
	}
	return map[string]any{"facts": out}, nil
}

// updateFactTool implements update_fact: an LLM-initiated correction, which
// runs through the quality pipeline's conflict-resolution rule rather than
// bypassing it the way AdminSetFact does.
type updateFactTool struct {
	facts   store.FactStore
	quality *fact.QualityManager
}

func (t *updateFactTool) Name() string { return "update_fact" }

func (t *updateFactTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Correct the value of a previously remembered fact.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category":   map[string]any{"type": "string"},
				"key":        map[string]any{"type": "string"},
				"value":      map[string]any{"type": "string"},
				"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
			"required": []string{"category", "key", "value"},
		},
	}
}

type updateFactArgs struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func (t *updateFactTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	ec, err := requireEntity(ctx)
	if err != nil {
		return nil, err
	}
	var args updateFactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, engineerr.E(engineerr.KindToolValidation, "update_fact", err)
	}
	category := model.FactCategory(args.Category)
	existing, ok, err := t.facts.FindExact(ctx, model.EntityUser, ec.UserID, category, args.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engineerr.E(engineerr.KindToolValidation, "update_fact", jsonErr("no such fact to update"))
	}
	confidence := args.Confidence
	if confidence == 0 {
		confidence = existing.Confidence
	}

	if t.quality == nil {
		updated, err := t.facts.UpdateFact(ctx, existing.ID, args.Value, confidence, model.ChangeSuperseded)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "fact_id": updated.ID, "value": updated.Value}, nil
	}

	applied, err := t.quality.Process(ctx, []fact.Candidate{
		{EntityKind: model.EntityUser, EntityID: ec.UserID, Category: category, Key: args.Key, Value: args.Value, Confidence: confidence},
	})
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return map[string]any{"ok": false, "reason": "candidate rejected by quality pipeline", "fact_id": existing.ID, "value": existing.Value}, nil
	}
	return map[string]any{"ok": true, "fact_id": applied[0].ID, "value": applied[0].Value}, nil
}

// forgetFactTool implements forget_fact: soft-delete a single fact.
type forgetFactTool struct{ facts store.FactStore }

func (t *forgetFactTool) Name() string { return "forget_fact" }

func (t *forgetFactTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Forget a single remembered fact about the current user.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{"type": "string"},
				"key":      map[string]any{"type": "string"},
			},
			"required": []string{"category", "key"},
		},
	}
}

type forgetFactArgs struct {
	Category string `json:"category"`
	Key      string `json:"key"`
}

func (t *forgetFactTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	ec, err := requireEntity(ctx)
	if err != nil {
		return nil, err
	}
	var args forgetFactArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, engineerr.E(engineerr.KindToolValidation, "forget_fact", err)
	}
	existing, ok, err := t.facts.FindExact(ctx, model.EntityUser, ec.UserID, model.FactCategory(args.Category), args.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"ok": true, "found": false}, nil
	}
	if err := t.facts.ForgetFact(ctx, existing.ID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "found": true}, nil
}

// forgetAllFactsTool implements forget_all_facts, admin-only per §4.6.
type forgetAllFactsTool struct{ facts store.FactStore }

func (t *forgetAllFactsTool) Name() string { return "forget_all_facts" }

func (t *forgetAllFactsTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Forget every remembered fact about the current user. Admin only.",
		"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t *forgetAllFactsTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	ec, err := requireEntity(ctx)
	if err != nil {
		return nil, err
	}
	if !ec.IsAdmin {
		return nil, engineerr.E(engineerr.KindToolNotPermitted, "forget_all_facts", jsonErr("admin only"))
	}
	if err := t.facts.ForgetAll(ctx, model.EntityUser, ec.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// updatePronounsTool implements update_pronouns for category "personal" and
// key "pronouns": an existing fact is overwritten as a correction with
// confidence 1.0, otherwise a new fact is created with confidence 1.0.
type updatePronounsTool struct{ facts store.FactStore }

func (t *updatePronounsTool) Name() string { return "update_pronouns" }

func (t *updatePronounsTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Record the current user's pronouns.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pronouns": map[string]any{"type": "string"},
			},
			"required": []string{"pronouns"},
		},
	}
}

type updatePronounsArgs struct {
	Pronouns string `json:"pronouns"`
}

func (t *updatePronounsTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	ec, err := requireEntity(ctx)
	if err != nil {
		return nil, err
	}
	var args updatePronounsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, engineerr.E(engineerr.KindToolValidation, "update_pronouns", err)
	}
	if args.Pronouns == "" {
		return nil, engineerr.E(engineerr.KindToolValidation, "update_pronouns", jsonErr("pronouns is required"))
	}
	existing, ok, err := t.facts.FindExact(ctx, model.EntityUser, ec.UserID, model.CategoryPersonal, "pronouns")
	if err != nil {
		return nil, err
	}
	if ok {
		updated, err := t.facts.UpdateFact(ctx, existing.ID, args.Pronouns, 1.0, model.ChangeCorrected)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "fact_id": updated.ID}, nil
	}
	f, err := t.facts.AddFact(ctx, model.Fact{
		EntityKind: model.EntityUser, EntityID: ec.UserID,
		Category: model.CategoryPersonal, Key: "pronouns", Value: args.Pronouns, Confidence: 1.0,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "fact_id": f.ID}, nil
}
