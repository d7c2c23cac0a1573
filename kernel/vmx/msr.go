package vmx

// Model-specific register numbers this package reads or writes. The
// VMX-specific ones are transcribed from Intel's SDM numbering (volume 4);
// IA32_EFER/FS_BASE/GS_BASE are the three architectural MSRs the host-state
// builder needs that happen to fall outside the VMX capability-MSR block.
const (
	msrFeatureControl = 0x3A

	msrVMXBasic            = 0x480
	msrVMXPinbasedCtls     = 0x481
	msrVMXProcbasedCtls    = 0x482
	msrVMXExitCtls         = 0x483
	msrVMXEntryCtls        = 0x484
	msrVMXMisc             = 0x485
	msrVMXCR0Fixed0        = 0x486
	msrVMXCR0Fixed1        = 0x487
	msrVMXCR4Fixed0        = 0x488
	msrVMXCR4Fixed1        = 0x489
	msrVMXVMCSEnum         = 0x48A
	msrVMXProcbasedCtls2   = 0x48B
	msrVMXEPTVPIDCap       = 0x48C
	msrVMXTruePinbasedCtls = 0x48D
	msrVMXTrueProcbasedCtls = 0x48E
	msrVMXTrueExitCtls     = 0x48F
	msrVMXTrueEntryCtls    = 0x490

	msrIA32EFER = 0xC0000080
	msrFSBase   = 0xC0000100
	msrGSBase   = 0xC0000101
)

// IA32_FEATURE_CONTROL bits this package inspects or sets.
const (
	featureControlLock           = 1 << 0
	featureControlVMXOutsideSMX  = 1 << 2
)

// IA32_VMX_BASIC bit 55 selects whether the "TRUE" control capability MSRs
// exist and should be preferred over the legacy ones.
const vmxBasicTrueControls = 1 << 55
