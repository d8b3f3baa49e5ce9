package prompt

import (
	"maps"
	"slices"
)

var builtinTemplates = map[string]string{
	"prompt-to-spec.md":    promptToSpecTemplate,
	"spec-to-full-spec.md": specToFullSpecTemplate,
	"full-spec-to-plan.md": fullSpecToPlanTemplate,
	"plan-to-artifacts.md": planToArtifactsTemplate,
	"complete.md":          completeTemplate,
	ReviewTemplate:         reviewTemplate,
}

// Builtins lists the builtin template names in sorted order.
func Builtins() []string {
	return slices.Sorted(maps.Keys(builtinTemplates))
}

const sharedFooter = `{{#if constraints}}

## Constraints
{{constraints}}
{{/if}}
{{#if success_criteria}}

## Success Criteria
{{success_criteria}}
{{/if}}
{{#if context}}

## Context
{{context}}
{{/if}}
{{#if review_feedback}}

## Reviewer Feedback From The Last Attempt
{{review_feedback}}
Address every point before resubmitting.
{{/if}}
`

const promptToSpecTemplate = `# Prompt → Spec ({{item_id}}, attempt {{attempt}})

Turn the request below into a short specification: the problem, the
expected behaviour, the inputs and outputs, and what is out of scope.

## Request
{{spec}}
` + sharedFooter

const specToFullSpecTemplate = `# Spec → Full Spec ({{item_id}}, attempt {{attempt}})

Expand the specification into a complete one. Every operation needs its
inputs, outputs, errors and edge cases. Name invariants explicitly.

## Request
{{spec}}
{{#if prior_output}}

## Current Spec
{{prior_output}}
{{/if}}
` + sharedFooter

const fullSpecToPlanTemplate = `# Full Spec → Plan ({{item_id}}, attempt {{attempt}})

Break the full specification into ordered, independently reviewable
steps. Each step names what it produces and how it is verified. Include
a rollback plan for anything that changes shared state.

## Request
{{spec}}
{{#if prior_output}}

## Full Spec
{{prior_output}}
{{/if}}
` + sharedFooter

const planToArtifactsTemplate = `# Plan → Artifacts ({{item_id}}, attempt {{attempt}})

Carry out the plan. Produce the artifacts it lists and report what was
produced and how each step was verified.
{{#if keywords}}
Keywords: {{keywords}}
{{/if}}

## Request
{{spec}}
{{#if prior_output}}

## Plan
{{prior_output}}
{{/if}}
` + sharedFooter

const completeTemplate = `# Final Check ({{item_id}})

The work below has passed every phase. Summarise what was delivered in a
few lines for the record.

## Request
{{spec}}
{{#if prior_output}}

## Delivered
{{prior_output}}
{{/if}}
`

const reviewTemplate = `# Review: {{phase}} output for {{item_id}}

You are the quality gate for the {{phase}} phase. Judge only the output
below against the request and criteria. Reply with PASS on the first line
when it is acceptable. Otherwise reply with FAIL on the first line and
one reason per following line. Prefix a reason with FUNDAMENTAL: when the
previous phase's output is the root cause.

## Request
{{spec}}
{{#if success_criteria}}

## Success Criteria
{{success_criteria}}
{{/if}}
{{#if review_feedback}}

## Earlier Rejection
{{review_feedback}}
{{/if}}

## Output Under Review
{{output}}
`
