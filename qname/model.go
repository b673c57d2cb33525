package qname

// Repository model names used by the services.
var (
	TypeBase      = New(SystemURI, "base")
	TypeStoreRoot = New(SystemURI, "store_root")
	TypeContainer = New(SystemURI, "container")
	AspectRoot    = New(SystemURI, "aspect_root")
	AssocChildren = New(SystemURI, "children")

	TypeCmObject    = New(ContentURI, "cmobject")
	TypeFolder      = New(ContentURI, "folder")
	TypeContent     = New(ContentURI, "content")
	PropName        = New(ContentURI, "name")
	PropTitle       = New(ContentURI, "title")
	PropDescription = New(ContentURI, "description")
	AspectTitled    = New(ContentURI, "titled")
	AssocContains   = New(ContentURI, "contains")

	TypeAction                 = New(ActionURI, "action")
	TypeCompositeAction        = New(ActionURI, "compositeaction")
	TypeActionCondition        = New(ActionURI, "actioncondition")
	TypeCompositeCondition     = New(ActionURI, "compositeactioncondition")
	TypeActionFolder           = New(ActionURI, "actionFolder")
	TypeActionExecution        = New(ActionURI, "actionExecution")
	AspectActions              = New(ActionURI, "actions")
	AspectExecutionHistory     = New(ActionURI, "executionHistory")
	AssocActionFolder          = New(ActionURI, "actionFolder")
	AssocNodeActions           = New(ActionURI, "actions")
	AssocExecutionHistory      = New(ActionURI, "executionHistory")
	PropDefinitionName         = New(ActionURI, "definitionName")
	PropActionTitle            = New(ActionURI, "actionTitle")
	PropActionDescription      = New(ActionURI, "actionDescription")
	PropExecuteAsynchronously  = New(ActionURI, "executeAsynchronously")
	AssocConditions            = New(ActionURI, "conditions")
	AssocCompensatingAction    = New(ActionURI, "compensatingAction")
	PropConditionInvert        = New(ActionURI, "invert")
	PropConditionOr            = New(ActionURI, "or")
	PropExecutionActionID      = New(ActionURI, "executionActionId")
	PropExecutionStatus        = New(ActionURI, "executionActionStatus")
	PropExecutionStartDate     = New(ActionURI, "executionStartDate")
	PropExecutionEndDate       = New(ActionURI, "executionEndDate")
	PropExecutionFailedMessage = New(ActionURI, "executionFailureMessage")
	PropExecutionFailedDetails = New(ActionURI, "executionFailureDetails")
	PropExecutionCompensated   = New(ActionURI, "executionCompensatingActionId")

	ViewRoot            = New(ViewURI, "view")
	ViewMetadata        = New(ViewURI, "metadata")
	ViewExportBy        = New(ViewURI, "exportBy")
	ViewExportDate      = New(ViewURI, "exportDate")
	ViewExporterVersion = New(ViewURI, "exporterVersion")
	ViewExportOf        = New(ViewURI, "exportOf")
	ViewChildName       = New(ViewURI, "childName")
	ViewAspects         = New(ViewURI, "aspects")
	ViewProperties      = New(ViewURI, "properties")
	ViewAssociations    = New(ViewURI, "associations")
	ViewValue           = New(ViewURI, "value")
	ViewValues          = New(ViewURI, "values")
	ViewMLValue         = New(ViewURI, "mlvalue")
	ViewLocale          = New(ViewURI, "locale")
	ViewDatatype        = New(ViewURI, "datatype")
	ViewIsNull          = New(ViewURI, "isNull")
	ViewReference       = New(ViewURI, "reference")
	ViewIdRef           = New(ViewURI, "idref")
	ViewPathRef         = New(ViewURI, "pathref")

	TypeRule                   = New(RuleURI, "rule")
	TypeRuleFolder             = New(RuleURI, "ruleFolder")
	AspectRules                = New(RuleURI, "rules")
	AspectIgnoreInheritedRules = New(RuleURI, "ignoreInheritedRules")
	AssocRuleFolder            = New(RuleURI, "ruleFolder")
	AssocRules                 = New(RuleURI, "rules")
	AssocRuleAction            = New(RuleURI, "action")
	PropRuleType               = New(RuleURI, "ruleType")
	PropRuleTitle              = New(RuleURI, "title")
	PropRuleDescription        = New(RuleURI, "description")
	PropApplyToChildren        = New(RuleURI, "applyToChildren")
	PropExecuteAsync           = New(RuleURI, "executeAsynchronously")
	PropRuleDisabled           = New(RuleURI, "disabled")
)
