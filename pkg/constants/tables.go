package constants

// Engine table names
const (
	TableConversation   = "_Engine_Conversation"
	TableInboundDedup   = "_Engine_Inbound_Dedup"
	TableOutbox         = "_Engine_Outbox"
	TableFlowDefinition = "_Engine_Flow_Definition"
	TableActionRecord   = "_Engine_Action_Record"
)
