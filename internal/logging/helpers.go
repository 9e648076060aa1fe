package logging

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Supervisor logs to the supervisor category
func Supervisor(format string, args ...interface{}) {
	Get(CategorySupervisor).Info(format, args...)
}

// SupervisorDebug logs debug to the supervisor category
func SupervisorDebug(format string, args ...interface{}) {
	Get(CategorySupervisor).Debug(format, args...)
}

// SupervisorWarn logs warning to the supervisor category
func SupervisorWarn(format string, args ...interface{}) {
	Get(CategorySupervisor).Warn(format, args...)
}

// SupervisorError logs error to the supervisor category
func SupervisorError(format string, args ...interface{}) {
	Get(CategorySupervisor).Error(format, args...)
}

// Orchestrator logs to the orchestrator category
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Info(format, args...)
}

// OrchestratorDebug logs debug to the orchestrator category
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debug(format, args...)
}

// OrchestratorWarn logs warning to the orchestrator category
func OrchestratorWarn(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Warn(format, args...)
}

// OrchestratorError logs error to the orchestrator category
func OrchestratorError(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Error(format, args...)
}

// Budget logs to the budget category
func Budget(format string, args ...interface{}) {
	Get(CategoryBudget).Info(format, args...)
}

// BudgetDebug logs debug to the budget category
func BudgetDebug(format string, args ...interface{}) {
	Get(CategoryBudget).Debug(format, args...)
}

// BudgetWarn logs warning to the budget category
func BudgetWarn(format string, args ...interface{}) {
	Get(CategoryBudget).Warn(format, args...)
}

// BudgetError logs error to the budget category
func BudgetError(format string, args ...interface{}) {
	Get(CategoryBudget).Error(format, args...)
}

// Tools logs to the tools category
func Tools(format string, args ...interface{}) {
	Get(CategoryTools).Info(format, args...)
}

// ToolsDebug logs debug to the tools category
func ToolsDebug(format string, args ...interface{}) {
	Get(CategoryTools).Debug(format, args...)
}

// ToolsWarn logs warning to the tools category
func ToolsWarn(format string, args ...interface{}) {
	Get(CategoryTools).Warn(format, args...)
}

// ToolsError logs error to the tools category
func ToolsError(format string, args ...interface{}) {
	Get(CategoryTools).Error(format, args...)
}

// Evolution logs to the evolution category
func Evolution(format string, args ...interface{}) {
	Get(CategoryEvolution).Info(format, args...)
}

// EvolutionDebug logs debug to the evolution category
func EvolutionDebug(format string, args ...interface{}) {
	Get(CategoryEvolution).Debug(format, args...)
}

// EvolutionWarn logs warning to the evolution category
func EvolutionWarn(format string, args ...interface{}) {
	Get(CategoryEvolution).Warn(format, args...)
}

// EvolutionError logs error to the evolution category
func EvolutionError(format string, args ...interface{}) {
	Get(CategoryEvolution).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// APIWarn logs warning to the api category
func APIWarn(format string, args ...interface{}) {
	Get(CategoryAPI).Warn(format, args...)
}

// APIError logs error to the api category
func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// Repo logs to the repo category
func Repo(format string, args ...interface{}) {
	Get(CategoryRepo).Info(format, args...)
}

// RepoDebug logs debug to the repo category
func RepoDebug(format string, args ...interface{}) {
	Get(CategoryRepo).Debug(format, args...)
}

// RepoWarn logs warning to the repo category
func RepoWarn(format string, args ...interface{}) {
	Get(CategoryRepo).Warn(format, args...)
}

// RepoError logs error to the repo category
func RepoError(format string, args ...interface{}) {
	Get(CategoryRepo).Error(format, args...)
}

// Deploy logs to the deploy category
func Deploy(format string, args ...interface{}) {
	Get(CategoryDeploy).Info(format, args...)
}

// DeployDebug logs debug to the deploy category
func DeployDebug(format string, args ...interface{}) {
	Get(CategoryDeploy).Debug(format, args...)
}

// DeployWarn logs warning to the deploy category
func DeployWarn(format string, args ...interface{}) {
	Get(CategoryDeploy).Warn(format, args...)
}

// DeployError logs error to the deploy category
func DeployError(format string, args ...interface{}) {
	Get(CategoryDeploy).Error(format, args...)
}

// Chat logs to the chat category
func Chat(format string, args ...interface{}) {
	Get(CategoryChat).Info(format, args...)
}

// ChatDebug logs debug to the chat category
func ChatDebug(format string, args ...interface{}) {
	Get(CategoryChat).Debug(format, args...)
}

// ChatWarn logs warning to the chat category
func ChatWarn(format string, args ...interface{}) {
	Get(CategoryChat).Warn(format, args...)
}

// ChatError logs error to the chat category
func ChatError(format string, args ...interface{}) {
	Get(CategoryChat).Error(format, args...)
}

// Memory logs to the memory category
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}

// MemoryWarn logs warning to the memory category
func MemoryWarn(format string, args ...interface{}) {
	Get(CategoryMemory).Warn(format, args...)
}

// MemoryError logs error to the memory category
func MemoryError(format string, args ...interface{}) {
	Get(CategoryMemory).Error(format, args...)
}

// Review logs to the review category
func Review(format string, args ...interface{}) {
	Get(CategoryReview).Info(format, args...)
}

// ReviewDebug logs debug to the review category
func ReviewDebug(format string, args ...interface{}) {
	Get(CategoryReview).Debug(format, args...)
}

// ReviewWarn logs warning to the review category
func ReviewWarn(format string, args ...interface{}) {
	Get(CategoryReview).Warn(format, args...)
}

// ReviewError logs error to the review category
func ReviewError(format string, args ...interface{}) {
	Get(CategoryReview).Error(format, args...)
}

// Browser logs to the browser category
func Browser(format string, args ...interface{}) {
	Get(CategoryBrowser).Info(format, args...)
}

// BrowserDebug logs debug to the browser category
func BrowserDebug(format string, args ...interface{}) {
	Get(CategoryBrowser).Debug(format, args...)
}

// BrowserWarn logs warning to the browser category
func BrowserWarn(format string, args ...interface{}) {
	Get(CategoryBrowser).Warn(format, args...)
}

// BrowserError logs error to the browser category
func BrowserError(format string, args ...interface{}) {
	Get(CategoryBrowser).Error(format, args...)
}

// Config logs to the config category
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigDebug logs debug to the config category
func ConfigDebug(format string, args ...interface{}) {
	Get(CategoryConfig).Debug(format, args...)
}

// ConfigWarn logs warning to the config category
func ConfigWarn(format string, args ...interface{}) {
	Get(CategoryConfig).Warn(format, args...)
}

// ConfigError logs error to the config category
func ConfigError(format string, args ...interface{}) {
	Get(CategoryConfig).Error(format, args...)
}
