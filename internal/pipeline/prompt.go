package pipeline

import "fmt"

// planPrompt asks a worker to produce the implementation plan. carry holds
// feedback accumulated from earlier iterations and is empty on the first
// pass.
func planPrompt(request, carry string) string {
	prompt := request

	prompt += "\n\n---\n"
	prompt += "You are the 'plan' agent. Analyze the task above and produce a concrete, "
	prompt += "step-by-step implementation plan. Do not make any changes yet.\n\n"
	prompt += "Your plan should list the files to touch, the order of work, and how the "
	prompt += "result will be verified. Finish your reply with the full plan as plain text."

	if carry != "" {
		prompt += "\n\n---\n"
		prompt += "Feedback from previous iterations (the earlier plan did not survive verification):\n"
		prompt += carry
	}

	return prompt
}

// buildPrompt asks a worker to carry out the plan.
func buildPrompt(request, plan, carry string) string {
	prompt := request

	prompt += "\n\n---\n"
	prompt += "You are the 'build' agent. Implement the task above by following this plan:\n\n"
	prompt += plan
	prompt += "\n\n---\n"
	prompt += "Make the changes in the working directory. When you are done, summarize what "
	prompt += "you changed in your final message."

	if carry != "" {
		prompt += "\n\n---\n"
		prompt += "Feedback from previous iterations:\n"
		prompt += carry
	}

	return prompt
}

// verifyPrompt asks a worker to review the build result and emit a machine
// readable verdict. The decision loop parses the JSON block out of the final
// message.
func verifyPrompt(request, plan, build string) string {
	prompt := request

	prompt += "\n\n---\n"
	prompt += "You are the 'verify' agent. The task above was implemented according to this plan:\n\n"
	prompt += plan
	prompt += "\n\nThe build agent reported:\n\n"
	prompt += build
	prompt += "\n\n---\n"
	prompt += "Review the working directory and check that the task is actually done: run the "
	prompt += "tests, read the changed code, look for gaps against the original request.\n\n"
	prompt += "IMPORTANT: You MUST end your final message with a JSON verdict block:\n\n"
	prompt += "```json\n"
	prompt += "{\n"
	prompt += "  \"verdict\": \"complete\",\n"
	prompt += "  \"summary\": \"what was accomplished\",\n"
	prompt += "  \"reason\": \"why you reached this verdict\",\n"
	prompt += "  \"issues\": [\"problem found\", \"...\"],\n"
	prompt += "  \"suggestions\": [\"how to fix it\", \"...\"]\n"
	prompt += "}\n"
	prompt += "```\n\n"
	prompt += fmt.Sprintf("Valid values for 'verdict': %q (task is done), %q (the plan is fine but the "+
		"implementation needs another pass), %q (the plan itself is wrong), %q (the task cannot "+
		"be completed).",
		DecisionComplete, DecisionIterate, DecisionReplan, DecisionGiveUp)

	return prompt
}

// carryFeedback folds a decision's issues and suggestions into the context
// string passed to the next iteration's prompts.
func carryFeedback(carry string, iteration int, d Decision) string {
	entry := fmt.Sprintf("Iteration %d verdict: %s", iteration, d.Kind)
	if d.Reason != "" {
		entry += "\nReason: " + d.Reason
	}
	for _, issue := range d.Issues {
		entry += "\n- issue: " + issue
	}
	for _, s := range d.Suggestions {
		entry += "\n- suggestion: " + s
	}
	if carry == "" {
		return entry
	}
	return carry + "\n\n" + entry
}
