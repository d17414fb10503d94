// Package registry maps user intents to concrete tools across MCP servers,
// tracks per-server tool performance, and drives tool selection and fallback
// when a primary tool fails or is unavailable.
package registry

import "strings"

// Category groups tools by the kind of operation they perform.
type Category string

const (
	CategoryJobManagement   Category = "job_management"
	CategoryBuildOperations Category = "build_operations"
	CategoryServerInfo      Category = "server_info"
	CategoryMonitoring      Category = "monitoring"
	CategorySearch          Category = "search"
	CategoryAnalysis        Category = "analysis"
	CategoryLogs            Category = "logs"
	CategoryQueue           Category = "queue"
	CategoryPipeline        Category = "pipeline"
)

// Intent identifies what the caller wants done, independent of which tool
// or server ends up serving it.
type Intent string

const (
	IntentListJobs        Intent = "list_jobs"
	IntentGetJobInfo      Intent = "get_job_info"
	IntentTriggerBuild    Intent = "trigger_build"
	IntentGetBuildStatus  Intent = "get_build_status"
	IntentGetConsoleLog   Intent = "get_console_log"
	IntentSearchJobs      Intent = "search_jobs"
	IntentGetQueueInfo    Intent = "get_queue_info"
	IntentServerStatus    Intent = "server_status"
	IntentAnalyzeFailure  Intent = "analyze_failure"
	IntentGetBuildHistory Intent = "get_build_history"
)

// Mapping binds an intent to the tool names that can serve it, in
// preference order. Primary tools are tried before fallbacks.
type Mapping struct {
	Intent         Intent
	PrimaryTools   []string
	FallbackTools  []string
	RequiredParams []string
	OptionalParams []string
	Category       Category
	Description    string
}

// FallbackChain lists alternative tools to try when the named primary
// tool fails.
type FallbackChain struct {
	PrimaryTool string
	Fallbacks   []string
	MaxAttempts int
}

func defaultMappings() map[Intent]Mapping {
	mappings := []Mapping{
		{
			Intent:        IntentListJobs,
			PrimaryTools:  []string{"list_jobs", "list_jenkins_jobs"},
			FallbackTools: []string{"search_jobs", "get_jobs"},
			Category:      CategoryJobManagement,
			Description:   "List all available Jenkins jobs",
		},
		{
			Intent:         IntentGetJobInfo,
			PrimaryTools:   []string{"get_job_info", "job_info"},
			FallbackTools:  []string{"get_job_details", "job_status"},
			RequiredParams: []string{"job_name"},
			OptionalParams: []string{"include_builds", "auto_search"},
			Category:       CategoryJobManagement,
			Description:    "Get detailed information about a specific job",
		},
		{
			Intent:         IntentGetBuildStatus,
			PrimaryTools:   []string{"get_build_status", "build_status"},
			FallbackTools:  []string{"get_build_info", "build_details"},
			RequiredParams: []string{"job_name", "build_number"},
			Category:       CategoryBuildOperations,
			Description:    "Get status of a specific build",
		},
		{
			Intent:         IntentGetConsoleLog,
			PrimaryTools:   []string{"get_console_log", "console_log"},
			FallbackTools:  []string{"get_build_log", "build_log"},
			RequiredParams: []string{"job_name", "build_number"},
			OptionalParams: []string{"start", "limit"},
			Category:       CategoryLogs,
			Description:    "Get console output for a build",
		},
		{
			Intent:         IntentTriggerBuild,
			PrimaryTools:   []string{"trigger_job", "trigger_build"},
			FallbackTools:  []string{"start_job", "build_job"},
			RequiredParams: []string{"job_name"},
			OptionalParams: []string{"parameters"},
			Category:       CategoryBuildOperations,
			Description:    "Start a new build for a job",
		},
		{
			Intent:         IntentSearchJobs,
			PrimaryTools:   []string{"search_jobs", "find_jobs"},
			FallbackTools:  []string{"list_jobs", "query_jobs"},
			RequiredParams: []string{"pattern"},
			OptionalParams: []string{"max_depth", "recursive"},
			Category:       CategorySearch,
			Description:    "Search for jobs matching a pattern",
		},
		{
			Intent:        IntentGetQueueInfo,
			PrimaryTools:  []string{"get_queue_info", "queue_status"},
			FallbackTools: []string{"build_queue", "queue_list"},
			Category:      CategoryMonitoring,
			Description:   "Get information about the build queue",
		},
		{
			Intent:        IntentServerStatus,
			PrimaryTools:  []string{"server_info", "jenkins_info"},
			FallbackTools: []string{"system_info", "status"},
			Category:      CategoryServerInfo,
			Description:   "Get Jenkins server information and status",
		},
		{
			Intent:         IntentGetBuildHistory,
			PrimaryTools:   []string{"get_build_history", "build_history"},
			FallbackTools:  []string{"list_builds", "job_builds"},
			RequiredParams: []string{"job_name"},
			OptionalParams: []string{"limit", "offset"},
			Category:       CategoryBuildOperations,
			Description:    "Get build history for a job",
		},
	}
	byIntent := make(map[Intent]Mapping, len(mappings))
	for _, m := range mappings {
		byIntent[m.Intent] = m
	}
	return byIntent
}

func defaultFallbackChains() map[string]FallbackChain {
	chains := []FallbackChain{
		{
			PrimaryTool: "list_jobs",
			Fallbacks:   []string{"search_jobs", "get_jobs", "list_jenkins_jobs"},
			MaxAttempts: 3,
		},
		{
			PrimaryTool: "get_job_info",
			Fallbacks:   []string{"job_info", "get_job_details", "search_jobs"},
			MaxAttempts: 3,
		},
		{
			PrimaryTool: "get_build_status",
			Fallbacks:   []string{"build_status", "get_build_info", "get_job_info"},
			MaxAttempts: 3,
		},
		{
			PrimaryTool: "search_jobs",
			Fallbacks:   []string{"find_jobs", "list_jobs"},
			MaxAttempts: 3,
		},
	}
	byTool := make(map[string]FallbackChain, len(chains))
	for _, c := range chains {
		byTool[c.PrimaryTool] = c
	}
	return byTool
}

// categoryKeywords is checked in order; the first group with a keyword
// contained in the tool name wins.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryJobManagement, []string{"list", "jobs", "job_info", "get_job"}},
	{CategoryBuildOperations, []string{"build", "trigger", "start"}},
	{CategoryLogs, []string{"console", "log", "output"}},
	{CategorySearch, []string{"search", "find", "query"}},
	{CategoryMonitoring, []string{"queue", "running", "active"}},
	{CategoryServerInfo, []string{"server", "info", "status", "system"}},
	{CategoryPipeline, []string{"pipeline", "stage"}},
}

// CategorizeTool assigns a category from name keywords. Unrecognized names
// default to job management.
func CategorizeTool(name string) Category {
	lower := strings.ToLower(name)
	for _, group := range categoryKeywords {
		for _, keyword := range group.keywords {
			if strings.Contains(lower, keyword) {
				return group.category
			}
		}
	}
	return CategoryJobManagement
}
