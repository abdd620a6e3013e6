package review

// reviewSystemPrompt frames the adjudicator as an audit domain expert and
// pins the output contract.
const reviewSystemPrompt = `You are an IT audit expert reviewing merge suggestions for audit checklist items. You review the output of a vector similarity model and correct its classification mistakes. Always answer with a single JSON object in the requested format and nothing else.`

// reviewPromptTemplate is the user prompt; %s receives the rendered batch JSON.
const reviewPromptTemplate = `I am importing new audit items into an audit knowledge base. Review the vector model's merge suggestions below.

## Input structure

The document contains:
- summary: classification counts
- merge_suggestions: decided items
  - suggestion_id: stable identifier (M001, M002, ...)
  - new_item: the imported item (title, dimension, procedure)
  - match_result: the decision (action: reuse/create, matched existing item)
  - procedure_match: the action-text decision (reuse_procedure/create_procedure)
  - vector_confidence: the vector model's confidence
- pending_review: ambiguous items with candidate lists (P001, P002, ...)

## Review task

For every suggestion, judge:
1. Is match_result.action correct?
   - reuse: are the new item and the matched existing item really the same check?
   - create: is the item genuinely new?
2. Is procedure_match.action correct? Should the action text merge into an
   existing one or be added as a new procedure?
3. Is the dimension classification reasonable?

For pending_review entries, decide reuse against one of the listed candidates
(set target_item_id) or create.

## Decision criteria

- Reuse when the check focus and check object are the same.
- Create when the check focus differs or one item subsumes the other.
- Add a new procedure when the check method or check object differs.

## Output format

Respond with exactly one JSON object:

{
  "status": "confirmed | adjusted",
  "overall_assessment": "one-sentence verdict",
  "confirmed_count": 0,
  "adjusted_count": 0,
  "review_details": [
    {
      "suggestion_id": "M002",
      "item_decision": "create",
      "item_reason": "different check focus: operation vs establishment",
      "procedure_decision": "create_procedure",
      "procedure_reason": "",
      "dimension_adjustment": "",
      "target_item_id": "",
      "confidence": "high"
    }
  ]
}

Use status "confirmed" with an empty review_details list when every suggestion
is correct. Reference suggestions only by suggestion_id.

## Merge suggestion document

%s`
